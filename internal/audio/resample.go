package audio

import "math"

// TelephonyRate 电话音频采样率
const TelephonyRate = 8000

// Resample 线性插值重采样
func Resample(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || len(in) == 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen <= 1 {
		return []int16{}
	}
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		src := float64(i) / ratio
		i0 := int(src)
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		i1 := i0 + 1
		if i1 >= len(in) {
			i1 = len(in) - 1
		}
		f := src - float64(i0)
		v := float64(in[i0])*(1-f) + float64(in[i1])*f
		out[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	return out
}
