package speaker

import (
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/protocol"
)

var mono24k = audio.Format{SampleRate: 24000, Channels: 1}

// tone returns frames samples of the constant v, so mixing shows up as a sum.
func tone(frames int, v int16) protocol.AudioPayload {
	b := make([]byte, frames*2)
	for i := range frames {
		audio.PutSample(b, i, v)
	}
	return protocol.AudioPayload{Data: b, Format: mono24k}
}

type run struct {
	value int16
	n     int
}

func (r run) String() string { return fmt.Sprintf("%dx%d", r.value, r.n) }

// runs collapses samples into runs of equal values.
func runs(s []int16) []run {
	var out []run
	for _, v := range s {
		if len(out) > 0 && out[len(out)-1].value == v {
			out[len(out)-1].n++
			continue
		}
		out = append(out, run{value: v, n: 1})
	}
	return out
}

func readFrames(t *testing.T, tl *timeline, frames int) []int16 {
	t.Helper()
	b := make([]byte, frames*2)
	if n, err := tl.Read(b); err != nil || n != len(b) {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	return samples(b)
}

func assertRuns(t *testing.T, got []int16, want ...run) {
	t.Helper()
	r := runs(got)
	if fmt.Sprint(r) != fmt.Sprint(want) {
		t.Errorf("output = %v, want %v", r, want)
	}
}

func newTestSink() (*Sink, *playback.Scheduler) {
	s := &Sink{timeline: newTimeline(mono24k)}
	return s, playback.New(s)
}

func TestScheduler_GaplessAfterStall(t *testing.T) {
	t.Parallel()
	sink, sched := newTestSink()

	// One second of silence drains before the model answers.
	readFrames(t, sink.timeline, 24000)

	a1, err := sched.Schedule(tone(4800, 1000))
	if err != nil {
		t.Fatalf("Schedule A1: %v", err)
	}
	a2, _ := sched.Schedule(tone(4800, 2000))
	if a1 != time.Second || a2 != 1200*time.Millisecond {
		t.Errorf("starts = %v, %v; want 1s, 1.2s", a1, a2)
	}

	assertRuns(t, readFrames(t, sink.timeline, 10000),
		run{1000, 4800}, run{2000, 4800}, run{0, 400})
	if n := sched.InFlight(); n != 0 {
		t.Errorf("InFlight = %d, want 0", n)
	}
}

func TestScheduler_GaplessAfterPlaybackRanDry(t *testing.T) {
	t.Parallel()
	sink, sched := newTestSink()

	_, _ = sched.Schedule(tone(2400, 1000))
	// The first answer finishes and the device keeps reading silence.
	assertRuns(t, readFrames(t, sink.timeline, 7200), run{1000, 2400}, run{0, 4800})

	a2, _ := sched.Schedule(tone(2400, 2000))
	a3, _ := sched.Schedule(tone(2400, 3000))
	if a2 != 300*time.Millisecond || a3 != 400*time.Millisecond {
		t.Errorf("starts = %v, %v; want 300ms, 400ms", a2, a3)
	}
	assertRuns(t, readFrames(t, sink.timeline, 4800), run{2000, 2400}, run{3000, 2400})
}

func TestScheduler_GaplessAfterInterruption(t *testing.T) {
	t.Parallel()
	sink, sched := newTestSink()

	_, _ = sched.Schedule(tone(4800, 1000))
	assertRuns(t, readFrames(t, sink.timeline, 1200), run{1000, 1200})

	if n := sched.Interrupt(); n != 1 {
		t.Fatalf("Interrupt = %d, want 1", n)
	}

	// Frame counts that are not a whole number of nanoseconds at 24 kHz.
	for _, v := range []int16{3000, 5000, 7000} {
		if _, err := sched.Schedule(tone(1001, v)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	assertRuns(t, readFrames(t, sink.timeline, 3100),
		run{3000, 1001}, run{5000, 1001}, run{7000, 1001}, run{0, 97})
}

func TestSink_FlushWithoutPlayer(t *testing.T) {
	t.Parallel()
	sink, sched := newTestSink()
	_, _ = sched.Schedule(tone(10, 1))
	sched.Close() // flushes; must not touch a missing player
	if _, err := sched.Schedule(tone(10, 1)); err == nil {
		t.Error("Schedule after Close succeeded")
	}
	if got := sink.Now(); got != 0 {
		t.Errorf("Now = %v, want 0", got)
	}
}
