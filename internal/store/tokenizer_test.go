package store

import (
	"testing"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeCode(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect []string
	}{
		{"whitespace", "hello world", []string{"hello", "world"}},
		{"delimiters", "func(arg) array[index]", []string{"func", "arg", "array", "index"}},
		{"camelCase", "getUserById", []string{"get", "user", "by", "id"}},
		{"acronym", "parseHTTPRequest", []string{"parse", "http", "request"}},
		{"leading acronym", "HTTPHandler", []string{"http", "handler"}},
		{"snake_case", "max_merge_docs", []string{"max", "merge", "docs"}},
		{"short parts dropped", "a b cd", []string{"cd"}},
		{"digits", "utf8Decode", []string{"utf8", "decode"}},
		{"empty", "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, TokenizeCode(tt.input))
		})
	}
}

func TestCodeTokenizer_Offsets(t *testing.T) {
	// Given: an identifier with a camelCase boundary
	input := []byte("x := newIndexWriter()")

	// When: tokenizing with the bleve adapter
	stream := codeTokenizer{}.Tokenize(input)

	// Then: offsets point back into the input and positions count from 1
	require.Len(t, stream, 3)
	for i, tok := range stream {
		assert.Equal(t, string(input[tok.Start:tok.End]), string(tok.Term))
		assert.Equal(t, i+1, tok.Position)
	}
	assert.Equal(t, "Writer", string(stream[2].Term))
}

func TestStopFilter(t *testing.T) {
	f := newStopFilter(CodeStopWords)
	in := analysis.TokenStream{
		{Term: []byte("Return")},
		{Term: []byte("segment")},
		{Term: []byte("err")},
	}

	out := f.Filter(in)

	require.Len(t, out, 1)
	assert.Equal(t, "segment", string(out[0].Term))
	assert.True(t, f.keep("segment"))
	assert.False(t, f.keep("func"))
}
