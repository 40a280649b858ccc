package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

// codeAnalyzerName is the bleve name of the code analyzer inside a mapping.
const codeAnalyzerName = "gsindex_code"

// Analyzer describes how one analyzer id maps onto each backend.
type Analyzer struct {
	ID string

	// Bleve installs the analyzer as the mapping's default.
	Bleve func(m *mapping.IndexMappingImpl) error

	// FTS5Tokenizer is the tokenize= argument of the SQLite FTS5 table.
	FTS5Tokenizer string

	// Prepare rewrites a field value before SQLite indexes it. Nil means
	// the value is indexed as is.
	Prepare func(string) string
}

// AnalyzerFactory builds an Analyzer.
type AnalyzerFactory func() Analyzer

// AnalyzerRegistry maps analyzer ids to factories.
type AnalyzerRegistry struct {
	mu        sync.RWMutex
	factories map[string]AnalyzerFactory
}

// NewAnalyzerRegistry returns a registry holding the builtin analyzers:
// standard, simple, keyword, english and code.
func NewAnalyzerRegistry() *AnalyzerRegistry {
	r := &AnalyzerRegistry{factories: make(map[string]AnalyzerFactory)}
	r.Register("standard", namedAnalyzer("standard", standard.Name, "unicode61"))
	r.Register("simple", namedAnalyzer("simple", simple.Name, "unicode61"))
	r.Register("keyword", namedAnalyzer("keyword", keyword.Name, "ascii"))
	r.Register("english", namedAnalyzer("english", en.AnalyzerName, "porter unicode61"))
	r.Register("code", codeAnalyzer)
	return r
}

// Register adds or replaces the factory for id.
func (r *AnalyzerRegistry) Register(id string, f AnalyzerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Resolve builds the analyzer for id. An empty id means the default.
func (r *AnalyzerRegistry) Resolve(id string) (Analyzer, error) {
	if id == "" {
		id = config.DefaultAnalyzer
	}
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return Analyzer{}, gserrors.UnknownAnalyzerError(id, r.IDs())
	}
	return f(), nil
}

// IDs returns the registered ids, sorted.
func (r *AnalyzerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func namedAnalyzer(id, bleveName, tokenizer string) AnalyzerFactory {
	return func() Analyzer {
		return Analyzer{
			ID: id,
			Bleve: func(m *mapping.IndexMappingImpl) error {
				m.DefaultAnalyzer = bleveName
				return nil
			},
			FTS5Tokenizer: tokenizer,
		}
	}
}

func codeAnalyzer() Analyzer {
	stop := newStopFilter(CodeStopWords)
	return Analyzer{
		ID: "code",
		Bleve: func(m *mapping.IndexMappingImpl) error {
			err := m.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
				"type":      custom.Name,
				"tokenizer": CodeTokenizerName,
				"token_filters": []string{
					lowercase.Name,
					CodeStopFilterName,
				},
			})
			if err != nil {
				return err
			}
			m.DefaultAnalyzer = codeAnalyzerName
			return nil
		},
		FTS5Tokenizer: "unicode61",
		Prepare: func(s string) string {
			tokens := TokenizeCode(s)
			kept := tokens[:0]
			for _, tok := range tokens {
				if stop.keep(tok) {
					kept = append(kept, tok)
				}
			}
			return strings.Join(kept, " ")
		},
	}
}
