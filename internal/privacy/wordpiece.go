package privacy

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Piece is one WordPiece sub-token with its byte span in the source text
type Piece struct {
	ID           int64
	Start        int
	End          int
	Continuation bool // a "##" piece inside a word
}

// WordPiece is a BERT-style tokenizer that keeps source offsets
type WordPiece struct {
	vocab        map[string]int64
	lowercase    bool
	unkID        int64
	clsID        int64
	sepID        int64
	maxWordBytes int
}

// LoadVocab reads a vocab.txt file with one token per line
func LoadVocab(path string, lowercase bool) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		vocab[strings.TrimRight(scanner.Text(), "\r")] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	return NewWordPiece(vocab, lowercase)
}

// NewWordPiece builds a tokenizer from an in-memory vocabulary
func NewWordPiece(vocab map[string]int64, lowercase bool) (*WordPiece, error) {
	wp := &WordPiece{vocab: vocab, lowercase: lowercase, maxWordBytes: 200}
	for token, dst := range map[string]*int64{"[UNK]": &wp.unkID, "[CLS]": &wp.clsID, "[SEP]": &wp.sepID} {
		id, ok := vocab[token]
		if !ok {
			return nil, fmt.Errorf("vocab is missing %s", token)
		}
		*dst = id
	}
	return wp, nil
}

// Tokenize splits text into pieces; offsets index the original text
func (wp *WordPiece) Tokenize(text string) []Piece {
	var pieces []Piece
	for _, w := range splitWords(text) {
		pieces = append(pieces, wp.wordPieces(text, w[0], w[1])...)
	}
	return pieces
}

func (wp *WordPiece) wordPieces(text string, start, end int) []Piece {
	word := text[start:end]
	if wp.lowercase {
		word = strings.ToLower(word)
	}
	if len(word) > wp.maxWordBytes || len(word) != end-start {
		// Lowercasing changed byte length; offsets can no longer be split
		return []Piece{{ID: wp.lookupWhole(word), Start: start, End: end}}
	}

	var pieces []Piece
	pos := 0
	for pos < len(word) {
		matched := -1
		var id int64
		for stop := len(word); stop > pos; {
			candidate := word[pos:stop]
			if pos > 0 {
				candidate = "##" + candidate
			}
			if v, ok := wp.vocab[candidate]; ok {
				matched, id = stop, v
				break
			}
			_, size := utf8.DecodeLastRuneInString(word[pos:stop])
			stop -= size
		}
		if matched < 0 {
			return []Piece{{ID: wp.unkID, Start: start, End: end}}
		}
		pieces = append(pieces, Piece{ID: id, Start: start + pos, End: start + matched, Continuation: pos > 0})
		pos = matched
	}
	return pieces
}

func (wp *WordPiece) lookupWhole(word string) int64 {
	if id, ok := wp.vocab[word]; ok {
		return id
	}
	return wp.unkID
}

// splitWords separates whitespace-delimited words and isolates punctuation
func splitWords(text string) [][2]int {
	var words [][2]int
	start := -1
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case unicode.IsSpace(r):
			if start >= 0 {
				words = append(words, [2]int{start, i})
				start = -1
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if start >= 0 {
				words = append(words, [2]int{start, i})
				start = -1
			}
			words = append(words, [2]int{i, i + size})
		default:
			if start < 0 {
				start = i
			}
		}
		i += size
	}
	if start >= 0 {
		words = append(words, [2]int{start, len(text)})
	}
	return words
}
