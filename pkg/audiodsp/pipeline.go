package audiodsp

import "math"

// SilenceThreshold is the amplitude below which a sample is considered
// silent, per spec.md §4.6 ("drop leading samples whose absolute value is
// <= 0.01").
const SilenceThreshold = 0.01

// TargetLUFS is the EBU R128 integrated loudness target applied by
// normalisation, per spec.md §4.6.
const TargetLUFS = -23.0

// TrimSilence drops leading and trailing frames whose samples (across all
// channels) are all within threshold of zero, aligned to whole interleaved
// frames so channels never desync.
//
// spec.md documents trim as leading-only in the shipped implementation but
// flags it as a likely bug ("implementers SHOULD also trim trailing when the
// flag is set") — the original Rust source does trim both sides. This trims
// both, per that recommendation; see DESIGN.md.
//
// An all-silent input returns an AudioData with zero frames.
func TrimSilence(a AudioData, threshold float32) AudioData {
	frames := a.Frames()
	if frames == 0 {
		return a
	}
	ch := a.Channels

	isSilent := func(frame int) bool {
		for c := 0; c < ch; c++ {
			s := a.Samples[frame*ch+c]
			if s > threshold || s < -threshold {
				return false
			}
		}
		return true
	}

	start := 0
	for start < frames && isSilent(start) {
		start++
	}
	if start == frames {
		return AudioData{SampleRate: a.SampleRate, Channels: ch, Samples: nil}
	}

	end := frames - 1
	for end > start && isSilent(end) {
		end--
	}

	trimmed := make([]float32, (end-start+1)*ch)
	copy(trimmed, a.Samples[start*ch:(end+1)*ch])
	return AudioData{SampleRate: a.SampleRate, Channels: ch, Samples: trimmed}
}

// IntegratedLoudness estimates EBU R128 integrated loudness in LUFS using
// mean-square energy over 1-second blocks (no K-weighting filter or gating
// stage). This is a simplified approximation of the full ITU-R BS.1770
// algorithm — sufficient for this pipeline's purpose (deriving a single gain
// factor to hit a target level) without pulling in a full loudness-metering
// dependency.
func IntegratedLoudness(a AudioData) float64 {
	frames := a.Frames()
	if frames == 0 || a.SampleRate == 0 {
		return math.Inf(-1)
	}
	blockFrames := a.SampleRate // 1-second blocks, per spec.md §4.6
	if blockFrames <= 0 {
		blockFrames = frames
	}

	var sumEnergy float64
	var blockCount int
	for start := 0; start < frames; start += blockFrames {
		end := min(start+blockFrames, frames)
		var energy float64
		n := 0
		for f := start; f < end; f++ {
			for c := 0; c < a.Channels; c++ {
				s := float64(a.Samples[f*a.Channels+c])
				energy += s * s
				n++
			}
		}
		if n == 0 {
			continue
		}
		sumEnergy += energy / float64(n)
		blockCount++
	}
	if blockCount == 0 || sumEnergy == 0 {
		return math.Inf(-1)
	}
	meanSquare := sumEnergy / float64(blockCount)
	// -0.691 is the BS.1770 LKFS calibration offset.
	return -0.691 + 10*math.Log10(meanSquare)
}

// NormaliseLoudness computes the gain needed to bring a's integrated
// loudness to targetLUFS and applies it, clamping every sample to [-1, 1]
// per spec.md §4.6. A silent or empty input is returned unchanged (no finite
// gain exists).
func NormaliseLoudness(a AudioData, targetLUFS float64) AudioData {
	current := IntegratedLoudness(a)
	if math.IsInf(current, -1) {
		return a
	}
	gain := math.Pow(10, (targetLUFS-current)/20)

	out := make([]float32, len(a.Samples))
	for i, s := range a.Samples {
		v := float64(s) * gain
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = float32(v)
	}
	return AudioData{SampleRate: a.SampleRate, Channels: a.Channels, Samples: out}
}

// ResampleMono resamples mono float32 PCM from srcRate to dstRate using
// linear interpolation, the same approach as the teacher's int16 resampler
// (pkg/provider/tts/coqui.resampleMono16) generalised to the float32
// representation this package uses throughout.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	srcSamples := len(samples)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
