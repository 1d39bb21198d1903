package audio

// Resample converts pcm from one sample rate to another using linear
// interpolation. Rates equal (or input empty) returns the input unchanged.
func Resample(pcm []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(pcm) == 0 || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	outLen := int(int64(len(pcm)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		v := float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac
		out[i] = int16(v)
	}
	return out
}

// ToFloat32 converts PCM16 samples to [-1,1) float32, the input format of
// the cascade's inference models.
func ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / fullScale
	}
	return out
}
