package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact description like "16000Hz/mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports whether the format can describe PCM16 audio.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	return nil
}

// FrameBytes is the byte size of one sample frame (one sample per channel).
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// Duration converts a PCM16 byte length in this format into playback time.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := int64(n / f.FrameBytes())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// AudioFrame is one fixed-size block of captured microphone audio. Frames are
// immutable once emitted; ownership passes from the capture device to the
// outbound encoder.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for the default capture configuration).
	SampleRate int

	// Channels is 1 for mono capture.
	Channels int

	// Timestamp is the frame's offset from the start of the capture stream.
	Timestamp time.Duration

	// Seq is the frame's position in capture order, starting at zero.
	Seq uint64
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration reports how much audio the frame carries.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// PlaybackBuffer is a decoded, device-ready block of PCM16 audio. Its start
// time is owned by whoever schedules it.
type PlaybackBuffer struct {
	// Data holds whole sample frames of little-endian PCM16.
	Data []byte

	Format Format
}

// Duration reports the playback length of the buffer.
func (b PlaybackBuffer) Duration() time.Duration {
	return b.Format.Duration(len(b.Data))
}

// Frames reports the number of sample frames in the buffer.
func (b PlaybackBuffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Format.FrameBytes()
}
