package inference

import (
	"fmt"
	"time"

	"github.com/samcharles93/gpt2chat/internal/history"
	"github.com/samcharles93/gpt2chat/internal/logits"
)

type Stats struct {
	TokensGenerated int
	Steps           int
	Duration        time.Duration
	TPS             float64
}

// Decoder generates a reply by re-running the full context through the
// engine once per generated token.
type Decoder struct {
	Engine  Engine
	Sampler *logits.Sampler
	MaxLen  int
	StopID  int

	// MaxContext caps the tokens passed to the engine, usually the model's
	// n_positions. Longer contexts keep StartID followed by the most recent
	// tokens, renumbered from position 0. Zero disables the cap.
	MaxContext int
	StartID    int
}

// Decode samples up to MaxLen tokens after ctx. Generation ends early when
// StopID is sampled; the stop id is not part of the reply. On error no
// partial reply is returned.
func (d *Decoder) Decode(ctx history.Assembly) ([]int, Stats, error) {
	var stats Stats
	start := time.Now()

	in := history.Assembly{
		TokenIDs:    append(make([]int, 0, ctx.Len()+d.MaxLen), ctx.TokenIDs...),
		PositionIDs: append(make([]int, 0, ctx.Len()+d.MaxLen), ctx.PositionIDs...),
	}
	reply := make([]int, 0, d.MaxLen)

	for step := 0; step < d.MaxLen; step++ {
		ids, pos := d.window(in)
		out, err := d.Engine.Forward(ids, pos)
		stats.Steps++
		if err != nil {
			return nil, stats, fmt.Errorf("decode step %d: %w", step, err)
		}
		if out.H == 0 {
			return nil, stats, fmt.Errorf("decode step %d: engine returned no logits", step)
		}
		next, err := d.Sampler.Sample(out.Row(out.H - 1))
		if err != nil {
			return nil, stats, fmt.Errorf("decode step %d: %w", step, err)
		}
		if next == d.StopID {
			break
		}
		reply = append(reply, next)
		in.Push(next)
	}

	stats.TokensGenerated = len(reply)
	stats.Duration = time.Since(start)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	return reply, stats, nil
}

// window returns the engine input for a, truncated from the left to
// MaxContext tokens.
func (d *Decoder) window(a history.Assembly) ([]int, []int) {
	if d.MaxContext < 2 || a.Len() <= d.MaxContext {
		return a.TokenIDs, a.PositionIDs
	}
	ids := make([]int, 0, d.MaxContext)
	ids = append(ids, d.StartID)
	ids = append(ids, a.TokenIDs[a.Len()-(d.MaxContext-1):]...)
	pos := make([]int, len(ids))
	for i := range pos {
		pos[i] = i
	}
	return ids, pos
}
