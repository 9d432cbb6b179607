package entropy

import (
	"math"
	"testing"
)

func TestSeededIsReproducible(t *testing.T) {
	a := NewSeeded(7)
	b := NewSeeded(7)
	for i := 0; i < 100; i++ {
		if a.Float64() != b.Float64() {
			t.Fatalf("draw %d differs", i)
		}
	}
}

func TestNormalMoments(t *testing.T) {
	src := NewSeeded(11)
	const n = 20000
	var sum, sumSq float64
	for i := 0; i < n; i++ {
		v := Normal(src, 50, 5)
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	sd := math.Sqrt(sumSq/n - mean*mean)
	if math.Abs(mean-50) > 0.3 {
		t.Fatalf("mean = %v, want ~50", mean)
	}
	if math.Abs(sd-5) > 0.3 {
		t.Fatalf("stddev = %v, want ~5", sd)
	}
}

func TestCryptoInRange(t *testing.T) {
	var c Crypto
	for i := 0; i < 1000; i++ {
		if v := c.Float64(); v < 0 || v >= 1 {
			t.Fatalf("draw %v out of [0,1)", v)
		}
	}
}

func TestFromKeyWithoutKeyUsesCrypto(t *testing.T) {
	if _, ok := FromKey("").(Crypto); !ok {
		t.Fatalf("expected crypto source without a key")
	}
	var nilClient *Client
	if v := nilClient.Float64(); v < 0 || v >= 1 {
		t.Fatalf("nil client draw %v out of range", v)
	}
}

func TestUniformBounds(t *testing.T) {
	src := NewSeeded(3)
	for i := 0; i < 1000; i++ {
		if v := Uniform(src, 10, 20); v < 10 || v >= 20 {
			t.Fatalf("uniform %v out of range", v)
		}
	}
}
