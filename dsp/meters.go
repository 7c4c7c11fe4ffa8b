package dsp

import "math"

// BlockPeak returns the absolute peak of one buffer.
func BlockPeak(buf []float32) float32 {
	peak := float32(0)
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// BlockRMS returns the root-mean-square level of one buffer.
func BlockRMS(buf []float32) float32 {
	if len(buf) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(buf))))
}
