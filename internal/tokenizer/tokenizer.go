package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Counter reports how many tokens a text occupies.
type Counter interface {
	Count(text string) int
}

// Load returns a WordPiece tokenizer for a vocab.txt path, or a whitespace
// counter when path is empty.
func Load(path string) (Counter, error) {
	if path == "" {
		return Whitespace{}, nil
	}
	return NewWordPiece(path)
}

// Whitespace counts whitespace-separated words.
type Whitespace struct{}

func (Whitespace) Count(text string) int {
	return len(strings.Fields(text))
}

// WordPiece is a BERT-style greedy longest-match tokenizer.
type WordPiece struct {
	vocab         map[string]int
	special       []string
	maxInputChars int
	unkToken      string
}

// NewWordPiece loads a vocab.txt file, one token per line.
func NewWordPiece(vocabPath string) (*WordPiece, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer func() { _ = f.Close() }()

	vocab := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tok := strings.TrimSpace(sc.Text())
		if tok != "" {
			vocab[tok] = len(vocab)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	return NewWordPieceFromVocab(vocab), nil
}

func NewWordPieceFromVocab(vocab map[string]int) *WordPiece {
	t := &WordPiece{
		vocab:         vocab,
		maxInputChars: 200,
		unkToken:      "[UNK]",
	}
	for tok := range vocab {
		if len(tok) > 2 && tok[0] == '[' && tok[len(tok)-1] == ']' {
			t.special = append(t.special, tok)
		}
	}
	// Longest first so "[CLS]x" never matches a shorter special prefix.
	sort.Slice(t.special, func(i, j int) bool {
		if len(t.special[i]) != len(t.special[j]) {
			return len(t.special[i]) > len(t.special[j])
		}
		return t.special[i] < t.special[j]
	})
	return t
}

func (t *WordPiece) VocabSize() int {
	return len(t.vocab)
}

func (t *WordPiece) matchSpecial(s string) string {
	if len(s) == 0 || s[0] != '[' {
		return ""
	}
	for _, sp := range t.special {
		if strings.HasPrefix(s, sp) {
			return sp
		}
	}
	return ""
}

func isBoundary(r rune) bool {
	if r < utf8.RuneSelf {
		return punctuationTable[r]
	}
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// split breaks text on whitespace and punctuation. Punctuation is kept as
// its own word and special tokens are never split.
func (t *WordPiece) split(text string) []string {
	var words []string
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, text[start:end])
			start = -1
		}
	}
	for i := 0; i < len(text); {
		if sp := t.matchSpecial(text[i:]); sp != "" {
			flush(i)
			words = append(words, sp)
			i += len(sp)
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case isBoundary(r):
			flush(i)
			words = append(words, text[i:i+size])
		default:
			if start < 0 {
				start = i
			}
		}
		i += size
	}
	flush(len(text))
	return words
}

// normalizer folds case and strips combining marks. Transformers carry
// state, so each call builds its own.
func normalizer() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
}

func (t *WordPiece) pieces(word string, tf transform.Transformer) []string {
	if _, ok := t.vocab[word]; ok && t.matchSpecial(word) == word {
		return []string{word}
	}
	tf.Reset()
	w, _, err := transform.String(tf, word)
	if err != nil || utf8.RuneCountInString(w) > t.maxInputChars {
		return []string{t.unkToken}
	}

	var out []string
	for start := 0; start < len(w); {
		end := len(w)
		cur := ""
		for start < end {
			sub := w[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				cur = sub
				break
			}
			end--
		}
		if cur == "" {
			return []string{t.unkToken}
		}
		out = append(out, cur)
		start = end
	}
	return out
}

// Tokenize returns the word pieces of text and their ids.
func (t *WordPiece) Tokenize(text string) ([]string, []int) {
	words := t.split(text)
	tf := normalizer()
	tokens := make([]string, 0, len(words))
	ids := make([]int, 0, len(words))
	for _, w := range words {
		for _, p := range t.pieces(w, tf) {
			tokens = append(tokens, p)
			ids = append(ids, t.vocab[p])
		}
	}
	return tokens, ids
}

// Encode returns only the ids of Tokenize.
func (t *WordPiece) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}

func (t *WordPiece) Count(text string) int {
	tf := normalizer()
	n := 0
	for _, w := range t.split(text) {
		n += len(t.pieces(w, tf))
	}
	return n
}
