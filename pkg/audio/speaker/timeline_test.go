package speaker

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func pcm(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		audio.PutSample(b, i, s)
	}
	return b
}

func samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = audio.Sample(b, i)
	}
	return out
}

// 1 kHz mono keeps frame arithmetic readable: one frame per millisecond.
var testFormat = audio.Format{SampleRate: 1000, Channels: 1}

func TestTimeline_PlacesVoiceAtStartOffset(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)

	if _, err := tl.add(pcm(1, 2, 3), 2*time.Millisecond, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	out := make([]byte, 12)
	n, err := tl.Read(out)
	if err != nil || n != 12 {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	want := []int16{0, 0, 1, 2, 3, 0}
	got := samples(out)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
}

func TestTimeline_BackToBackVoicesAreGapless(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)

	var ended []int
	_, _ = tl.add(pcm(5, 5), 0, func() { ended = append(ended, 1) })
	_, _ = tl.add(pcm(7, 7), 2*time.Millisecond, func() { ended = append(ended, 2) })

	out := make([]byte, 8)
	_, _ = tl.Read(out)
	got := samples(out)
	want := []int16{5, 5, 7, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
	if len(ended) != 2 {
		t.Errorf("ended callbacks = %v, want both", ended)
	}
}

func TestTimeline_VoiceSpansReads(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)

	ended := false
	_, _ = tl.add(pcm(1, 2, 3, 4), 0, func() { ended = true })

	first := make([]byte, 4)
	_, _ = tl.Read(first)
	if ended {
		t.Fatal("voice ended after the first half")
	}
	second := make([]byte, 4)
	_, _ = tl.Read(second)
	if !ended {
		t.Fatal("voice did not end")
	}
	got := append(samples(first), samples(second)...)
	want := []int16{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
}

func TestTimeline_StoppedVoiceIsSilentAndDoesNotEnd(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)

	ended := false
	v, _ := tl.add(pcm(9, 9, 9, 9), 0, func() { ended = true })

	out := make([]byte, 2)
	_, _ = tl.Read(out)
	v.Stop()
	rest := make([]byte, 6)
	_, _ = tl.Read(rest)

	for _, s := range samples(rest) {
		if s != 0 {
			t.Fatalf("stopped voice still audible: %v", samples(rest))
		}
	}
	if ended {
		t.Error("end callback fired for a stopped voice")
	}
}

func TestTimeline_LateVoiceStartsAtReadPosition(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)

	_, _ = tl.Read(make([]byte, 10)) // pos = 5 frames
	v, _ := tl.add(pcm(4), time.Millisecond, nil)
	if got := v.Start(); got != 5*time.Millisecond {
		t.Errorf("Start = %v, want 5ms", got)
	}

	out := make([]byte, 2)
	_, _ = tl.Read(out)
	if got := samples(out)[0]; got != 4 {
		t.Errorf("late voice sample = %d, want 4", got)
	}
}

func TestTimeline_MixClamps(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)
	_, _ = tl.add(pcm(30000), 0, nil)
	_, _ = tl.add(pcm(30000), 0, nil)

	out := make([]byte, 2)
	_, _ = tl.Read(out)
	if got := samples(out)[0]; got != 32767 {
		t.Errorf("mixed sample = %d, want 32767", got)
	}
}

func TestTimeline_NowIsReadPosition(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)
	if got := tl.now(); got != 0 {
		t.Errorf("now = %v, want 0", got)
	}
	_, _ = tl.Read(make([]byte, 200))
	if got := tl.now(); got != 100*time.Millisecond {
		t.Errorf("now = %v, want 100ms", got)
	}
}

func TestTimeline_FrameAtRoundsTrip(t *testing.T) {
	t.Parallel()
	tl := newTimeline(audio.Format{SampleRate: 24000, Channels: 1})
	for _, n := range []int64{0, 1, 1000, 1001, 1002, 24001, 86_400_001} {
		if got := tl.frameAt(tl.frameTime(n)); got != n {
			t.Errorf("frameAt(frameTime(%d)) = %d", n, got)
		}
	}
	// 1001 frames at 24 kHz are not a whole number of nanoseconds.
	d := tl.frameTime(1000) + audio.Format{SampleRate: 24000, Channels: 1}.Duration(2002)
	if got := tl.frameAt(d); got != 2001 {
		t.Errorf("frameAt = %d, want 2001", got)
	}
}

func TestTimeline_SeekKeepsPosition(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)
	_, _ = tl.Read(make([]byte, 20))

	off, err := tl.Seek(0, io.SeekCurrent)
	if err != nil || off != 20 {
		t.Fatalf("Seek = (%d, %v), want (20, nil)", off, err)
	}
	if got := tl.now(); got != 10*time.Millisecond {
		t.Errorf("now after seek = %v, want 10ms", got)
	}
	if _, err := tl.Seek(0, io.SeekStart); err == nil {
		t.Error("rewinding seek succeeded")
	}
}

func TestTimeline_ClosedRejectsAdd(t *testing.T) {
	t.Parallel()
	tl := newTimeline(testFormat)
	tl.close()
	if _, err := tl.add(pcm(1), 0, nil); !errors.Is(err, audio.ErrSinkClosed) {
		t.Errorf("add after close: err = %v, want ErrSinkClosed", err)
	}
}
