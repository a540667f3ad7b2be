// Package retrieval makes medical records queryable by a language model.
// Records are split into chunks; each query sends the best matching chunks
// together with the question and decodes a JSON answer.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
	"github.com/prior-auth-server/pkg/external"
)

// Defaults used when Options fields are zero
const (
	DefaultChunkSize  = 1200
	DefaultTopK       = 4
	DefaultCacheSize  = 64
	maxContextPreview = 80
)

var supportedContentTypes = map[string]bool{
	"":                 true,
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"application/json": true,
}

// Options configures an Indexer
type Options struct {
	ChunkSize int
	TopK      int
	CacheSize int
}

// Indexer builds queryable indexes and keeps recently built ones in memory
type Indexer struct {
	llm    external.LLMClient
	cache  *lru.Cache[string, *Index]
	opts   Options
	logger *logrus.Logger
}

// NewIndexer creates a new indexer
func NewIndexer(llm external.LLMClient, opts Options, logger *logrus.Logger) (*Indexer, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, *Index](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}

	return &Indexer{
		llm:    llm,
		cache:  cache,
		opts:   opts,
		logger: logger,
	}, nil
}

// Index makes doc queryable. PDFs are reduced to their text layer first.
// Unsupported, unreadable or empty content fails with an INDEXING_FAILURE
// pipeline error.
func (ix *Indexer) Index(ctx context.Context, doc domain.Document) (domain.QueryableIndex, error) {
	var text string
	if IsPDF(doc.ContentType, doc.Content) {
		extracted, err := ExtractPDFText(doc.Content, 0)
		if err != nil {
			return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record PDF could not be read", err)
		}
		text = extracted
	} else {
		contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(doc.ContentType, ";", 2)[0]))
		if !supportedContentTypes[contentType] {
			return nil, domain.NewPipelineError(domain.KindIndexingFailure,
				fmt.Sprintf("unsupported medical record content type %q", doc.ContentType), nil)
		}
		if !utf8.Valid(doc.Content) {
			return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record is not valid UTF-8 text", nil)
		}
		text = strings.TrimSpace(string(doc.Content))
	}
	if text == "" && len(doc.Facts) == 0 {
		return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record is empty", nil)
	}

	fingerprint, err := Fingerprint(doc)
	if err != nil {
		return nil, domain.NewPipelineError(domain.KindIndexingFailure, "medical record facts could not be encoded", err)
	}
	if cached, ok := ix.cache.Get(fingerprint); ok {
		ix.logger.WithField("fingerprint", fingerprint[:12]).Debug("Using cached medical record index")
		return cached, nil
	}

	chunks := SplitChunks(text, ix.opts.ChunkSize)
	if factsChunk := formatFacts(doc.Facts); factsChunk != "" {
		chunks = append(chunks, newChunk(len(chunks), factsChunk))
	}

	idx := &Index{
		fingerprint: fingerprint,
		chunks:      chunks,
		facts:       doc.Facts,
		llm:         ix.llm,
		topK:        ix.opts.TopK,
		logger:      ix.logger,
	}
	ix.cache.Add(fingerprint, idx)

	ix.logger.WithFields(logrus.Fields{
		"document": doc.Name,
		"chunks":   len(chunks),
		"facts":    len(doc.Facts),
	}).Info("Indexed medical record")

	return idx, nil
}

// Fingerprint hashes the record content and facts
func Fingerprint(doc domain.Document) (string, error) {
	h := sha256.New()
	h.Write(doc.Content)
	if len(doc.Facts) > 0 {
		facts, err := json.Marshal(doc.Facts)
		if err != nil {
			return "", err
		}
		h.Write([]byte{0})
		h.Write(facts)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func formatFacts(facts map[string]interface{}) string {
	if len(facts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Structured facts:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, facts[k])
	}
	return b.String()
}

// Index is a queryable medical record
type Index struct {
	fingerprint string
	chunks      []Chunk
	facts       map[string]interface{}
	llm         external.LLMClient
	topK        int
	logger      *logrus.Logger
}

// Fingerprint identifies the indexed content
func (i *Index) Fingerprint() string {
	return i.fingerprint
}

// Facts returns the structured facts submitted with the record
func (i *Index) Facts() map[string]interface{} {
	return i.facts
}

// Chunks returns the indexed chunks in document order
func (i *Index) Chunks() []Chunk {
	return i.chunks
}

// Query asks the language model the question over the best matching chunks
// and decodes its JSON answer into out.
func (i *Index) Query(ctx context.Context, question string, out interface{}) error {
	selected := rank(i.chunks, question, i.topK)

	var b strings.Builder
	b.WriteString("Context information from the medical record is below.\n---------------------\n")
	for n, c := range selected {
		if n > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Text)
	}
	b.WriteString("\n---------------------\nGiven the context information and not prior knowledge, answer the query.\n")
	b.WriteString("Query: ")
	b.WriteString(question)

	i.logger.WithFields(logrus.Fields{
		"question": truncate(question, maxContextPreview),
		"chunks":   len(selected),
	}).Debug("Querying medical record")

	text, err := i.llm.Complete(ctx, external.CompletionRequest{
		System: "You extract structured information from medical records. Respond with a single JSON value and no other text.",
		Messages: []external.Message{
			{Role: external.RoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to query medical record: %w", err)
	}

	if err := json.Unmarshal([]byte(external.CleanJSON(text)), out); err != nil {
		return fmt.Errorf("failed to decode query response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
