package audio

import "fmt"

// DecodePCM16 validates a raw inbound payload and copies it into a
// [PlaybackBuffer] owned by the caller. The payload must be non-empty and
// contain whole sample frames for the given format. Failures wrap [ErrDecode].
func DecodePCM16(data []byte, f Format) (PlaybackBuffer, error) {
	if err := f.Validate(); err != nil {
		return PlaybackBuffer{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(data) == 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	if len(data)%f.FrameBytes() != 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %s frames",
			ErrDecode, len(data), f)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return PlaybackBuffer{Data: buf, Format: f}, nil
}

// Sample reads the i-th int16 sample from little-endian PCM.
func Sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// PutSample writes s as the i-th little-endian int16 sample of pcm.
func PutSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// Clamp16 saturates v to the int16 range.
func Clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
