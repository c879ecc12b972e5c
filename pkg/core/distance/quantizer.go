// Package distance provides functions for calculating vector distances.
//
// This file implements a symmetric scalar quantizer used to convert float32
// vectors into a more memory-efficient int8 representation. The quantizer is
// trained on a sample of vectors to pick parameters that tolerate outliers.
package distance

import (
	"log/slog"
	"math"
	"sort"
)

// Quantizer holds the parameters for symmetric scalar quantization.
// It learns the value range from a training set and maps float32 values
// into the int8 space [-127, 127].
type Quantizer struct {
	AbsMax float32
}

// Train computes quantization parameters with a quantile-based cutoff.
// Using the absolute maximum would let a single outlier stretch the range
// and crush the resolution of everything else, so the 99.9th percentile of
// absolute values defines the range instead.
func (q *Quantizer) Train(vectors [][]float32) {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return
	}

	numValues := len(vectors) * len(vectors[0])
	allAbsValues := make([]float32, 0, numValues)
	for _, vec := range vectors {
		for _, val := range vec {
			allAbsValues = append(allAbsValues, float32(math.Abs(float64(val))))
		}
	}

	// Sorting dominates training cost.
	sort.Slice(allAbsValues, func(i, j int) bool {
		return allAbsValues[i] < allAbsValues[j]
	})

	quantileIndex := int(float64(len(allAbsValues)) * 0.999)
	if quantileIndex >= len(allAbsValues) {
		quantileIndex = len(allAbsValues) - 1
	}

	q.AbsMax = allAbsValues[quantileIndex]
	slog.Debug("quantizer trained", "abs_max", q.AbsMax, "samples", len(vectors))
}

// Quantize converts a float32 vector into its int8 representation.
// Values outside the trained range clip to the extremes.
func (q *Quantizer) Quantize(vector []float32) []int8 {
	if q.AbsMax == 0 {
		return make([]int8, len(vector)) // avoid division by zero
	}

	quantized := make([]int8, len(vector))
	for i, val := range vector {
		// Map [-AbsMax, AbsMax] to [-127, 127].
		scaled := (val / q.AbsMax) * 127.0
		if scaled > 127.0 {
			scaled = 127.0
		} else if scaled < -127.0 {
			scaled = -127.0
		}
		quantized[i] = int8(math.Round(float64(scaled)))
	}
	return quantized
}

// Dequantize converts an int8 vector back to an approximate float32
// representation. The inverse mapping loses whatever precision quantization
// discarded.
func (q *Quantizer) Dequantize(vector []int8) []float32 {
	if q.AbsMax == 0 {
		return make([]float32, len(vector))
	}

	dequantized := make([]float32, len(vector))
	for i, val := range vector {
		dequantized[i] = (float32(val) / 127.0) * q.AbsMax
	}
	return dequantized
}
