package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/samcharles93/gpt2chat/internal/logger"
)

// OOVPolicy selects what Encode does with characters missing from the
// vocabulary.
type OOVPolicy int

const (
	// OOVSkip drops unknown characters.
	OOVSkip OOVPolicy = iota
	// OOVUnknown maps unknown characters to the id of UnknownToken, or to
	// id 0 when the vocabulary has no such token.
	OOVUnknown
)

// ParseOOVPolicy accepts "skip" or "unknown".
func ParseOOVPolicy(s string) (OOVPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OOVSkip, nil
	case "unknown", "unk":
		return OOVUnknown, nil
	default:
		return OOVSkip, fmt.Errorf("unknown oov policy %q", s)
	}
}

func (p OOVPolicy) String() string {
	if p == OOVUnknown {
		return "unknown"
	}
	return "skip"
}

// Vocab is a line-per-token vocabulary: the token on line n has id n.
// It is immutable after loading and safe for concurrent use.
type Vocab struct {
	tokens    []string
	ids       map[string]int
	unknownID int

	OOV OOVPolicy
	Log logger.Logger
}

// Load reads the vocabulary file at path.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer func() { _ = f.Close() }()
	v, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return v, nil
}

// Read parses a vocabulary from r. A trailing carriage return on a line is
// not part of the token. When a token repeats, the first id is kept.
func Read(r io.Reader) (*Vocab, error) {
	v := &Vocab{ids: make(map[string]int)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		tok := strings.TrimSuffix(sc.Text(), "\r")
		if _, ok := v.ids[tok]; !ok {
			v.ids[tok] = len(v.tokens)
		}
		v.tokens = append(v.tokens, tok)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(v.tokens) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}
	v.unknownID = v.ids[UnknownToken]
	return v, nil
}

// Size returns the number of ids.
func (v *Vocab) Size() int {
	return len(v.tokens)
}

// ID returns the id of token.
func (v *Vocab) ID(token string) (int, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// UnknownID is the id OOVUnknown substitutes for missing characters.
func (v *Vocab) UnknownID() int {
	return v.unknownID
}

// Token returns the token with the given id.
func (v *Vocab) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// Encode looks up every character of text. Invalid UTF-8 becomes U+FFFD.
// Characters are matched verbatim; only a segment (a starter and its
// combining marks) that misses the vocabulary is retried in its NFC and then
// its NFD form.
func (v *Vocab) Encode(text string) ([]int, error) {
	text = strings.ToValidUTF8(text, "\ufffd")
	ids := make([]int, 0, len(text))
	var dropped int
	for len(text) > 0 {
		n := norm.NFC.NextBoundaryInString(text, true)
		if n <= 0 {
			n = len(text)
		}
		seg := text[:n]
		text = text[n:]

		if v.appendAll(&ids, seg) || v.appendAll(&ids, norm.NFC.String(seg)) || v.appendAll(&ids, norm.NFD.String(seg)) {
			continue
		}
		for _, r := range seg {
			if id, ok := v.lookupRune(r); ok {
				ids = append(ids, id)
				continue
			}
			if v.OOV == OOVUnknown {
				ids = append(ids, v.unknownID)
				continue
			}
			dropped++
			if v.Log != nil {
				v.Log.Debug("dropping out-of-vocabulary character", "char", string(r))
			}
		}
	}
	if dropped > 0 && v.Log != nil {
		v.Log.Debug("encoded text with unknown characters", "dropped", dropped, "kept", len(ids))
	}
	return ids, nil
}

// appendAll appends the ids of every rune of s, or nothing when any rune is
// missing.
func (v *Vocab) appendAll(ids *[]int, s string) bool {
	for _, r := range s {
		if _, ok := v.ids[string(r)]; !ok {
			return false
		}
	}
	for _, r := range s {
		*ids = append(*ids, v.ids[string(r)])
	}
	return true
}

// lookupRune tries r verbatim and then its single-rune canonical forms.
func (v *Vocab) lookupRune(r rune) (int, bool) {
	c := string(r)
	if id, ok := v.ids[c]; ok {
		return id, true
	}
	for _, f := range []norm.Form{norm.NFC, norm.NFD} {
		if id, ok := v.ids[f.String(c)]; ok {
			return id, true
		}
	}
	return 0, false
}

// Decode concatenates the tokens of ids. Ids outside the vocabulary are
// skipped.
func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if tok, ok := v.Token(id); ok {
			sb.WriteString(tok)
		}
	}
	return sb.String(), nil
}

var _ Tokenizer = (*Vocab)(nil)
