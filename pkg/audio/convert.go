package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts captured frames to the rate and layout a remote
// session expects. It logs once on the first format mismatch. Create one per
// stream.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert returns frame in the target format. When the source already
// matches, the frame is returned unchanged without allocating. Frames whose
// data is not whole PCM16 sample frames are rejected.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	src := frame.Format()
	if err := src.Validate(); err != nil {
		return AudioFrame{}, err
	}
	if len(frame.Data)%src.FrameBytes() != 0 {
		return AudioFrame{}, fmt.Errorf("audio: %d bytes is not a whole number of %s frames", len(frame.Data), src)
	}
	if src == c.Target {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	out := frame
	out.Data = ConvertPCM(frame.Data, src, c.Target)
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out, nil
}

// ConvertPCM converts PCM16 from one format to another. It resamples first so
// stereo input bound for mono is not resampled twice as wide. Only mono and
// stereo layouts are converted; other channel counts pass through with their
// rate changed.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	rate := from.SampleRate
	if rate != to.SampleRate {
		if from.Channels == 2 {
			pcm = ResampleStereo16(pcm, rate, to.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, rate, to.SampleRate)
		}
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(Sample(pcm, i*2))
		r := int32(Sample(pcm, i*2+1))
		PutSample(out, i, Clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := channels * BytesPerSample
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(Sample(pcm, srcIdx*channels+ch))
			s1 := float64(Sample(pcm, next*channels+ch))
			PutSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// formatString returns a human-readable format description like "48000Hz/stereo".
func formatString(sampleRate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels != 1 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", sampleRate, ch)
}
