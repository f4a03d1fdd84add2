package bm25

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Tokenizer folds case with full Unicode folding and splits on every rune that is
// neither a letter nor a digit. Queries and documents must go through the same one.
type Tokenizer struct{}

func NewTokenizer() Tokenizer {
	return Tokenizer{}
}

func (Tokenizer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	// cases.Caser is stateful; one per call.
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
