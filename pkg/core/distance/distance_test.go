package distance

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

// normalizeTest is a normalization helper for tests only.
func normalizeTest(v []float32) {
	var norm float32
	for _, val := range v {
		norm += val * val
	}
	if norm > 0 {
		norm = float32(math.Sqrt(float64(norm)))
		for i := range v {
			v[i] /= norm
		}
	}
}

func floatsAreEqual(a, b float64) bool {
	const tolerance = 1e-6
	return math.Abs(a-b) < tolerance
}

// TestImplementations exercises whichever kernel the init dispatch selected,
// via the public getters.
func TestImplementations(t *testing.T) {
	t.Run("EuclideanF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(Euclidean)
		v1, v2 := []float32{1, 2}, []float32{3, 4}
		expected := 8.0 // (3-1)^2 + (4-2)^2 = 4 + 4 = 8
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %f, want %f", dist, expected)
		}
	})

	t.Run("CosineF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(Cosine)
		v1 := []float32{1, 2, 3}
		normalizeTest(v1)
		v2 := append([]float32{}, v1...)
		expected := 0.0
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %.15f, want %.15f", dist, expected)
		}
	})

	t.Run("EuclideanF16", func(t *testing.T) {
		fn, _ := GetFloat16Func(Euclidean)
		v1f, v2f := []float32{1, 2}, []float32{3, 4}
		expected := 8.0
		v1 := make([]uint16, len(v1f))
		v2 := make([]uint16, len(v2f))
		for i := range v1f {
			v1[i] = float16.Fromfloat32(v1f[i]).Bits()
			v2[i] = float16.Fromfloat32(v2f[i]).Bits()
		}
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %f, want %f", dist, expected)
		}
	})

	t.Run("CosineInt8", func(t *testing.T) {
		fn, _ := GetInt8Func(Cosine)
		v1 := []int8{10, 20}
		v2 := []int8{2, 3}
		expected := int32(80) // 10*2 + 20*3 = 80
		dist, _ := fn(v1, v2)
		if int32(dist) != expected {
			t.Errorf("got %d, want %d", dist, expected)
		}
	})
}

// TestEuclideanTruncatesToShorterVector checks the defensive behavior for
// mismatched lengths: the sum runs over the shorter of the two vectors.
func TestEuclideanTruncatesToShorterVector(t *testing.T) {
	v1 := []float32{1, 2, 99}
	v2 := []float32{3, 4}
	dist, err := squaredEuclideanDistanceGo(v1, v2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !floatsAreEqual(dist, 8.0) {
		t.Errorf("got %f, want 8.0 (trailing component must be ignored)", dist)
	}
}

func TestGetFuncUnknownMetric(t *testing.T) {
	if _, err := GetFloat32Func(DistanceMetric("manhattan")); err == nil {
		t.Error("expected an error for an unsupported metric")
	}
	if _, err := GetFloat16Func(Cosine); err == nil {
		t.Error("cosine is not implemented for float16, expected an error")
	}
	if _, err := GetInt8Func(Euclidean); err == nil {
		t.Error("euclidean is not implemented for int8, expected an error")
	}
}

// --- BENCHMARKS ---

func generateVectors(dims int) ([]float32, []float32) {
	v1 := make([]float32, dims)
	v2 := make([]float32, dims)
	for i := 0; i < dims; i++ {
		v1[i] = rand.Float32()
		v2[i] = rand.Float32()
	}
	return v1, v2
}

func generateFloat16Vectors(dims int) ([]uint16, []uint16) {
	v1 := make([]uint16, dims)
	v2 := make([]uint16, dims)
	for i := 0; i < dims; i++ {
		v1[i] = float16.Fromfloat32(rand.Float32()).Bits()
		v2[i] = float16.Fromfloat32(rand.Float32()).Bits()
	}
	return v1, v2
}

func BenchmarkFloat32(b *testing.B) {
	eucFunc, _ := GetFloat32Func(Euclidean)
	cosFunc, _ := GetFloat32Func(Cosine)
	dims := []int{64, 128, 256, 512, 1024, 1536}

	for _, d := range dims {
		b.Run(fmt.Sprintf("Euclidean_%dD", d), func(b *testing.B) {
			v1, v2 := generateVectors(d)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				eucFunc(v1, v2)
			}
		})

		b.Run(fmt.Sprintf("Cosine_%dD", d), func(b *testing.B) {
			v1, v2 := generateVectors(d)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				cosFunc(v1, v2)
			}
		})
	}
}

func BenchmarkFloat16(b *testing.B) {
	f16Func, _ := GetFloat16Func(Euclidean)
	dims := []int{64, 128, 256, 512, 1024, 1536}

	for _, d := range dims {
		b.Run(fmt.Sprintf("Euclidean_%dD", d), func(b *testing.B) {
			v1, v2 := generateFloat16Vectors(d)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				f16Func(v1, v2)
			}
		})
	}
}
