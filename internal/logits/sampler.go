// Package logits turns a row of next-token logits into a sampled token id:
// banned ids are suppressed, everything below the k-th largest logit is
// dropped, and an id is drawn from the softmax of the rest.
package logits

import (
	"errors"
	"math"
	"math/rand"
	"sync"
)

// ErrDegenerate is returned when no id survives filtering.
var ErrDegenerate = errors.New("logits: every candidate was filtered out")

// Source produces uniform draws in [0, 1).
type Source interface {
	Float64() float64
}

type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSource returns a goroutine-safe source seeded with seed.
func NewSource(seed int64) Source {
	return &lockedSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Suppress makes id impossible to sample.
func Suppress(logits []float32, id int) {
	if id >= 0 && id < len(logits) {
		logits[id] = float32(math.Inf(-1))
	}
}

// TopKFilter keeps the logits whose value is at least the k-th largest
// value and sets the others to -Inf. Values tied with the threshold are
// kept, so more than k ids may survive. k <= 0 disables the filter.
func TopKFilter(logits []float32, k int) {
	if k <= 0 || k >= len(logits) {
		return
	}
	threshold := kthLargest(logits, k, make([]float32, 0, k+1))
	neg := float32(math.Inf(-1))
	for i, v := range logits {
		if v < threshold {
			logits[i] = neg
		}
	}
}

// kthLargest keeps a descending shortlist of the k largest values. This is
// O(V*K), which beats sorting for the small k used here.
func kthLargest(logits []float32, k int, top []float32) float32 {
	top = top[:0]
	for _, v := range logits {
		pos := len(top)
		for pos > 0 && top[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, 0)
		copy(top[pos+1:], top[pos:])
		top[pos] = v
		if len(top) > k {
			top = top[:k]
		}
	}
	return top[len(top)-1]
}

// Softmax writes the normalised exponentials of logits into dst, which must
// be at least as long. The maximum is subtracted first; -Inf maps to 0.
// It reports false when every logit is -Inf.
func Softmax(dst []float64, logits []float32) bool {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	if math.IsInf(maxv, -1) {
		clear(dst[:len(logits)])
		return false
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v) - maxv)
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range logits {
		dst[i] *= inv
	}
	return true
}

// Multinomial returns the first id whose cumulative probability reaches r.
// Ids with zero probability are never returned; if rounding leaves r above
// the total, the last id with non-zero probability wins. It returns -1 when
// every probability is zero.
func Multinomial(probs []float64, r float64) int {
	last := -1
	var c float64
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		c += p
		last = i
		if c >= r {
			return i
		}
	}
	return last
}

// Sampler draws token ids. It keeps scratch buffers and must not be shared
// between goroutines; Source may be.
type Sampler struct {
	Source Source
	TopK   int
	// Banned ids are suppressed before filtering.
	Banned []int

	prob []float64
}

// Sample picks an id from logits, which it modifies in place.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, ErrDegenerate
	}
	for _, id := range s.Banned {
		Suppress(logits, id)
	}
	TopKFilter(logits, s.TopK)

	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	prob := s.prob[:len(logits)]
	if !Softmax(prob, logits) {
		return 0, ErrDegenerate
	}
	id := Multinomial(prob, s.Source.Float64())
	if id < 0 {
		return 0, ErrDegenerate
	}
	return id, nil
}
