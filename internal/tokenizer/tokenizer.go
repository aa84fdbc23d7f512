// Package tokenizer maps text to the character-level ids of the chat model
// and back.
package tokenizer

// Fixed ids of the model vocabulary.
const (
	VocabSize = 13317
	// UnusedID is a reserved id the decoder never emits.
	UnusedID = 100
	// StartID opens the assembled context.
	StartID = 101
	// SepID terminates every turn and ends generation.
	SepID = 102
)

// UnknownToken stands in for characters missing from the vocabulary.
const UnknownToken = "[UNK]"

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}
