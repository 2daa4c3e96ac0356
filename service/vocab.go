package service

import (
	"fmt"
	"strings"
)

var specialTokens = map[string]bool{
	"[PAD]":  true,
	"[UNK]":  true,
	"[CLS]":  true,
	"[SEP]":  true,
	"[MASK]": true,
	"[DEC]":  true,
	"[ENC]":  true,
}

// Vocab maps WordPiece token ids back to text.
type Vocab struct {
	tokens     []string
	specialIDs map[int64]bool
}

func LoadVocab(path string, extraSpecial ...int64) (*Vocab, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, fmt.Errorf("vocab %s is empty", path)
	}
	return NewVocab(lines, extraSpecial...), nil
}

func NewVocab(tokens []string, extraSpecial ...int64) *Vocab {
	v := &Vocab{tokens: tokens, specialIDs: make(map[int64]bool)}
	for i, t := range tokens {
		if specialTokens[t] {
			v.specialIDs[int64(i)] = true
		}
	}
	for _, id := range extraSpecial {
		v.specialIDs[id] = true
	}
	return v
}

func (v *Vocab) Size() int {
	return len(v.tokens)
}

// Decode turns ids into text. With skipSpecial, control tokens and ids
// outside the vocabulary (added tokens) are dropped; otherwise unknown ids
// render as [UNK].
func (v *Vocab) Decode(ids []int64, skipSpecial bool) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		inRange := id >= 0 && id < int64(len(v.tokens))
		if skipSpecial && (!inRange || v.specialIDs[id]) {
			continue
		}
		if !inRange {
			words = append(words, "[UNK]")
			continue
		}
		words = append(words, v.tokens[id])
	}
	text := strings.Join(words, " ")
	text = strings.ReplaceAll(text, " ##", "")
	text = strings.TrimPrefix(text, "##")
	return cleanUpSpaces(strings.TrimSpace(text))
}

var cleanUpReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

func cleanUpSpaces(s string) string {
	return cleanUpReplacer.Replace(s)
}
