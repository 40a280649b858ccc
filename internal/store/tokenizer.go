package store

import (
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// CodeTokenizerName is the bleve name of the identifier-aware tokenizer.
	CodeTokenizerName = "gsindex_code_tokenizer"

	// CodeStopFilterName is the bleve name of the code stop word filter.
	CodeStopFilterName = "gsindex_code_stop"
)

// CodeStopWords are keywords and filler identifiers too common in source
// text to be worth indexing.
var CodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

func init() {
	_ = registry.RegisterTokenizer(CodeTokenizerName, func(map[string]interface{}, *registry.Cache) (analysis.Tokenizer, error) {
		return codeTokenizer{}, nil
	})
	_ = registry.RegisterTokenFilter(CodeStopFilterName, func(map[string]interface{}, *registry.Cache) (analysis.TokenFilter, error) {
		return newStopFilter(CodeStopWords), nil
	})
}

// span is a token's byte range in the input.
type span struct{ start, end int }

// codeSpans splits text into identifier parts: runs of letters and digits,
// broken again at underscores and at camelCase boundaries. "parseHTTPRequest"
// yields parse, HTTP, Request; "utf8Decode" yields utf8, Decode. Parts
// shorter than two bytes are dropped.
func codeSpans(text string) []span {
	var out []span
	runes := []rune(text)
	offsets := make([]int, len(runes)+1)
	for i, pos := 0, 0; i < len(runes); i++ {
		offsets[i] = pos
		pos += len(string(runes[i]))
		offsets[i+1] = pos
	}

	emit := func(from, to int) {
		if offsets[to]-offsets[from] >= 2 {
			out = append(out, span{offsets[from], offsets[to]})
		}
	}

	start := -1
	for i, r := range runes {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		if !word {
			if start >= 0 {
				emit(start, i)
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
			continue
		}
		if unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
				emit(start, i)
				start = i
			}
		}
	}
	if start >= 0 {
		emit(start, len(runes))
	}
	return out
}

// TokenizeCode splits text into lowercased identifier parts.
func TokenizeCode(text string) []string {
	spans := codeSpans(text)
	tokens := make([]string, 0, len(spans))
	for _, s := range spans {
		tokens = append(tokens, strings.ToLower(text[s.start:s.end]))
	}
	return tokens
}

// codeTokenizer adapts codeSpans to bleve.
type codeTokenizer struct{}

func (codeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	spans := codeSpans(string(input))
	stream := make(analysis.TokenStream, 0, len(spans))
	for i, s := range spans {
		stream = append(stream, &analysis.Token{
			Term:     input[s.start:s.end],
			Start:    s.start,
			End:      s.end,
			Position: i + 1,
			Type:     analysis.AlphaNumeric,
		})
	}
	return stream
}

// stopFilter drops tokens whose lowercased term is a stop word.
type stopFilter struct {
	words map[string]struct{}
}

func newStopFilter(words []string) stopFilter {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return stopFilter{words: m}
}

func (f stopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := input[:0]
	for _, tok := range input {
		if _, stop := f.words[strings.ToLower(string(tok.Term))]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

// keep reports whether term survives the filter.
func (f stopFilter) keep(term string) bool {
	_, stop := f.words[term]
	return !stop
}
