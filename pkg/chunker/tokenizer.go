// Package chunker splits a parsed document into embedding-sized chunks
// with token overlap. Code fences and tables get special handling so the
// splits never destroy their structure.
package chunker

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for window sizing. Counting only needs to be
// stable across runs, not byte-exact with any provider.
type Tokenizer interface {
	Count(text string) int
}

// NewTokenizer returns a BPE tokenizer for the given encoding, falling
// back to a deterministic estimator when the encoding tables cannot be
// loaded (offline environments).
func NewTokenizer(encoding string) Tokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return estimatorTokenizer{}
	}
	return &bpeTokenizer{enc: enc}
}

type bpeTokenizer struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (t *bpeTokenizer) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// estimatorTokenizer approximates BPE counts from word and rune counts.
// Roughly one token per word plus one per four leftover runes, which
// tracks English prose within ~15%.
type estimatorTokenizer struct{}

func (estimatorTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	runes := len([]rune(text))
	extra := (runes - words*4) / 8
	if extra < 0 {
		extra = 0
	}
	n := words + extra
	if n == 0 {
		n = 1
	}
	return n
}
