// Package history keeps the turns of a conversation and assembles the model
// context from the most recent ones.
package history

import "github.com/samcharles93/gpt2chat/internal/tokenizer"

// Turn is the token ids of one utterance, without markers.
type Turn []int

// Assembly is the model input for one decode: token ids and their positions.
type Assembly struct {
	TokenIDs    []int
	PositionIDs []int
}

// Len returns the number of tokens.
func (a Assembly) Len() int {
	return len(a.TokenIDs)
}

// Push appends id at the next position.
func (a *Assembly) Push(id int) {
	a.PositionIDs = append(a.PositionIDs, len(a.TokenIDs))
	a.TokenIDs = append(a.TokenIDs, id)
}

// Assemble builds [StartID] followed by each of the last min(window,
// len(turns)) turns terminated by SepID, oldest first. Positions run from 0.
func Assemble(turns []Turn, window int) Assembly {
	start := max(len(turns)-max(window, 0), 0)
	n := 1
	for _, t := range turns[start:] {
		n += len(t) + 1
	}
	a := Assembly{
		TokenIDs:    make([]int, 0, n),
		PositionIDs: make([]int, 0, n),
	}
	a.Push(tokenizer.StartID)
	for _, t := range turns[start:] {
		for _, id := range t {
			a.Push(id)
		}
		a.Push(tokenizer.SepID)
	}
	return a
}

// History is an ordered list of turns. It is not safe for concurrent use.
type History struct {
	turns []Turn
}

// Append stores a copy of turn.
func (h *History) Append(turn []int) {
	h.turns = append(h.turns, append(Turn(nil), turn...))
}

// Reset forgets every turn.
func (h *History) Reset() {
	h.turns = nil
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Turns returns a copy of the stored turns.
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	for i, t := range h.turns {
		out[i] = append(Turn(nil), t...)
	}
	return out
}

// Assemble builds the context from the last window turns.
func (h *History) Assemble(window int) Assembly {
	return Assemble(h.turns, window)
}
