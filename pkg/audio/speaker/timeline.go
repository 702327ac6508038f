package speaker

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// voice is one scheduled buffer on the timeline, already in device format.
type voice struct {
	tl    *timeline
	start int64 // first sample frame
	pcm   []byte
	onEnd func()
}

// Stop implements [audio.PlaybackHandle].
func (v *voice) Stop() { v.tl.remove(v) }

// Start implements [audio.PlaybackHandle].
func (v *voice) Start() time.Duration { return v.tl.frameTime(v.start) }

func (v *voice) frames() int64 { return int64(len(v.pcm) / v.tl.format.FrameBytes()) }

// timeline mixes scheduled voices into a continuous PCM16 stream. It is the
// io.ReadSeeker an oto player pulls from.
//
// The timeline position is the number of frames handed to the player. That
// is the earliest frame a new voice can still occupy, so it doubles as the
// scheduling clock.
type timeline struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // sample frames handed to the player
	voices map[*voice]struct{}
	closed bool
}

func newTimeline(f audio.Format) *timeline {
	return &timeline{format: f, voices: make(map[*voice]struct{})}
}

// now reports the earliest position a voice can start at.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

func (t *timeline) frameTime(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(t.format.SampleRate)
}

// frameAt rounds to the nearest frame so that frameAt(frameTime(n)) == n and
// a start computed from truncated durations lands on the right sample.
func (t *timeline) frameAt(d time.Duration) int64 {
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

// add places pcm at position at. A position already handed to the player is
// moved up to the read position; the voice reports where it really starts.
func (t *timeline) add(pcm []byte, at time.Duration, onEnd func()) (*voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrSinkClosed
	}
	start := max(t.frameAt(at), t.pos)
	v := &voice{tl: t, start: start, pcm: pcm, onEnd: onEnd}
	t.voices[v] = struct{}{}
	return v, nil
}

func (t *timeline) remove(v *voice) {
	t.mu.Lock()
	delete(t.voices, v)
	t.mu.Unlock()
}

func (t *timeline) close() {
	t.mu.Lock()
	t.closed = true
	clear(t.voices)
	t.mu.Unlock()
}

// Read implements io.Reader. It always fills p, with silence where no voice
// is active, so the player never starves.
func (t *timeline) Read(p []byte) (int, error) {
	fb := t.format.FrameBytes()
	n := (len(p) / fb) * fb
	clear(p[:n])
	frames := int64(n / fb)

	var ended []func()

	t.mu.Lock()
	from, to := t.pos, t.pos+frames
	for v := range t.voices {
		end := v.start + v.frames()
		if v.start < to && end > from {
			lo := max(v.start, from)
			hi := min(end, to)
			ch := t.format.Channels
			for f := lo; f < hi; f++ {
				for c := range ch {
					dst := int((f-from)*int64(ch)) + c
					src := int((f-v.start)*int64(ch)) + c
					mixed := int32(audio.Sample(p, dst)) + int32(audio.Sample(v.pcm, src))
					audio.PutSample(p, dst, audio.Clamp16(mixed))
				}
			}
		}
		if end <= to {
			delete(t.voices, v)
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
		}
	}
	t.pos = to
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return n, nil
}

var errSeek = errors.New("speaker: timeline can only seek to its current position")

// Seek implements io.Seeker so that oto's Player.Seek can drop the player's
// buffer. Only Seek(0, io.SeekCurrent) is meaningful: the timeline never
// rewinds, and audio discarded from the player is simply never heard.
func (t *timeline) Seek(offset int64, whence int) (int64, error) {
	if offset != 0 || whence != io.SeekCurrent {
		return 0, errSeek
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos * int64(t.format.FrameBytes()), nil
}
