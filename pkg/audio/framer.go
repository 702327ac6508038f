package audio

import (
	"sync"
	"time"
)

// DefaultFrameSamples is the number of samples per channel in one captured
// frame: 4096 samples is 256 ms at 16 kHz.
const DefaultFrameSamples = 4096

// Framer accumulates arbitrarily sized device callbacks into fixed-size
// [AudioFrame] values and hands them to emit in capture order. Frames carry a
// sequence number and a timestamp derived from the samples emitted so far.
//
// Framer is safe for concurrent use, but emit is always invoked with the
// framer's lock held and therefore never runs concurrently with itself.
type Framer struct {
	mu         sync.Mutex
	format     Format
	frameBytes int
	buf        []byte
	seq        uint64
	emitted    int64 // sample frames emitted so far
	emit       func(AudioFrame)
}

// NewFramer returns a framer that emits frames of frameSamples samples per
// channel. A non-positive frameSamples selects [DefaultFrameSamples].
func NewFramer(f Format, frameSamples int, emit func(AudioFrame)) *Framer {
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	fb := frameSamples * f.FrameBytes()
	return &Framer{
		format:     f,
		frameBytes: fb,
		buf:        make([]byte, 0, fb*2),
		emit:       emit,
	}
}

// FrameBytes reports the byte size of every emitted frame.
func (fr *Framer) FrameBytes() int { return fr.frameBytes }

// Write appends raw device PCM and emits every complete frame now available.
func (fr *Framer) Write(p []byte) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.buf = append(fr.buf, p...)
	for len(fr.buf) >= fr.frameBytes {
		data := make([]byte, fr.frameBytes)
		copy(data, fr.buf[:fr.frameBytes])
		// Shift instead of reslicing so the backing array stays bounded.
		n := copy(fr.buf, fr.buf[fr.frameBytes:])
		fr.buf = fr.buf[:n]

		frame := AudioFrame{
			Data:       data,
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Timestamp:  time.Duration(fr.emitted) * time.Second / time.Duration(fr.format.SampleRate),
			Seq:        fr.seq,
		}
		fr.seq++
		fr.emitted += int64(fr.frameBytes / fr.format.FrameBytes())
		if fr.emit != nil {
			fr.emit(frame)
		}
	}
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (fr *Framer) Pending() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.buf)
}

// Discard drops the trailing partial frame. Capture calls this on stop.
func (fr *Framer) Discard() {
	fr.mu.Lock()
	fr.buf = fr.buf[:0]
	fr.mu.Unlock()
}
