package logits

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var negInf = float32(math.Inf(-1))

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestTopKFilter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		logits []float32
		k      int
		want   []float32
	}{
		{"keeps k", []float32{1, 5, 3, 4, 2}, 2, []float32{negInf, 5, negInf, 4, negInf}},
		{"ties survive", []float32{3, 3, 3, 1}, 1, []float32{3, 3, 3, negInf}},
		{"tie at threshold", []float32{9, 2, 7, 7, 0}, 2, []float32{9, negInf, 7, 7, negInf}},
		{"k exceeds length", []float32{1, 2}, 8, []float32{1, 2}},
		{"disabled", []float32{1, 2}, 0, []float32{1, 2}},
		{"with -inf", []float32{negInf, 1, negInf}, 2, []float32{negInf, 1, negInf}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := append([]float32(nil), tc.logits...)
			TopKFilter(got, tc.k)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("TopKFilter mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()
	probs := make([]float64, 3)
	if !Softmax(probs, []float32{negInf, 1000, negInf}) {
		t.Fatal("Softmax reported degenerate input")
	}
	if diff := cmp.Diff([]float64{0, 1, 0}, probs); diff != "" {
		t.Fatalf("single survivor (-want +got):\n%s", diff)
	}

	if !Softmax(probs, []float32{0, 0, float32(math.Log(2))}) {
		t.Fatal("Softmax reported degenerate input")
	}
	want := []float64{0.25, 0.25, 0.5}
	for i := range want {
		if math.Abs(probs[i]-want[i]) > 1e-6 {
			t.Fatalf("probs = %v, want %v", probs, want)
		}
	}

	if Softmax(probs, []float32{negInf, negInf, negInf}) {
		t.Fatal("expected all -Inf to be reported")
	}
}

func TestMultinomial(t *testing.T) {
	t.Parallel()
	probs := []float64{0.25, 0, 0.25, 0.5}
	tests := []struct {
		r    float64
		want int
	}{
		{0, 0},
		{0.1, 0},
		{0.25, 0},
		{0.3, 2},
		{0.5, 2},
		{0.51, 3},
		{0.999999, 3},
		{1.5, 3},
	}
	for _, tc := range tests {
		if got := Multinomial(probs, tc.r); got != tc.want {
			t.Errorf("Multinomial(r=%v) = %d, want %d", tc.r, got, tc.want)
		}
	}
	if got := Multinomial([]float64{0.5, 0.5, 0}, 2); got != 1 {
		t.Errorf("overflowing r returned %d, want last non-zero id 1", got)
	}
	if got := Multinomial([]float64{0, 0}, 0.5); got != -1 {
		t.Errorf("all-zero probabilities returned %d", got)
	}
	if got := Multinomial([]float64{0, 1}, 0); got != 1 {
		t.Errorf("r=0 returned zero-probability id %d", got)
	}
}

func TestSamplerNeverEmitsBannedID(t *testing.T) {
	t.Parallel()
	s := &Sampler{Source: NewSource(1), TopK: 8, Banned: []int{100}}
	for i := 0; i < 500; i++ {
		logits := make([]float32, 200)
		logits[100] = 50
		logits[7] = 1
		id, err := s.Sample(logits)
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if id == 100 {
			t.Fatal("sampled banned id 100")
		}
	}
}

func TestSamplerOnlyPicksTopK(t *testing.T) {
	t.Parallel()
	s := &Sampler{Source: NewSource(7), TopK: 2}
	base := []float32{0, 9, 1, 8, 2, 3}
	for i := 0; i < 200; i++ {
		id, err := s.Sample(append([]float32(nil), base...))
		if err != nil {
			t.Fatalf("Sample: %v", err)
		}
		if id != 1 && id != 3 {
			t.Fatalf("sampled id %d outside top-2", id)
		}
	}
}

func TestSamplerUsesSourceDraw(t *testing.T) {
	t.Parallel()
	logits := []float32{0, 0, 0, 0}
	for r, want := range map[float64]int{0.1: 0, 0.3: 1, 0.6: 2, 0.9: 3} {
		s := &Sampler{Source: fixedSource(r)}
		id, err := s.Sample(append([]float32(nil), logits...))
		if err != nil || id != want {
			t.Errorf("r=%v: got %d, %v; want %d", r, id, err, want)
		}
	}
}

func TestSamplerDegenerate(t *testing.T) {
	t.Parallel()
	s := &Sampler{Source: NewSource(3), TopK: 8, Banned: []int{0, 1}}
	if _, err := s.Sample([]float32{3, 4}); !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
	if _, err := s.Sample(nil); !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate for empty logits, got %v", err)
	}
}

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logits := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	draw := func() []int {
		s := &Sampler{Source: NewSource(42), TopK: 4}
		out := make([]int, 20)
		for i := range out {
			id, err := s.Sample(append([]float32(nil), logits...))
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			out[i] = id
		}
		return out
	}
	if diff := cmp.Diff(draw(), draw()); diff != "" {
		t.Fatalf("same seed produced different ids (-first +second):\n%s", diff)
	}
}

func TestSourceConcurrentUse(t *testing.T) {
	t.Parallel()
	src := NewSource(9)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if v := src.Float64(); v < 0 || v >= 1 {
					t.Errorf("draw %v outside [0,1)", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
