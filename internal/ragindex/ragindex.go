// Package ragindex maintains a full-text index over the portfolio documents
// (resume, project notes) that the rag-query executor retrieves from.
package ragindex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Passage is one indexed chunk of a source document.
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// Index wraps a bleve index of document passages.
type Index struct {
	idx bleve.Index
}

// Open opens the index at path, creating it if absent. An empty path opens a
// memory-only index.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		idx, err := bleve.New(path, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Index{idx: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	sourceField := bleve.NewKeywordFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("source", sourceField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// IndexDocuments walks docsDir, splits each .txt/.md file into paragraph
// passages, and indexes them. Re-indexing the same directory is idempotent
// since passage IDs are deterministic.
func (i *Index) IndexDocuments(docsDir string) (int, error) {
	count := 0
	err := filepath.WalkDir(docsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read document %s: %w", path, err)
		}
		rel, err := filepath.Rel(docsDir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		for n, para := range splitParagraphs(string(content)) {
			id := fmt.Sprintf("%s#%d", rel, n)
			if err := i.idx.Index(id, Passage{Text: para, Source: rel}); err != nil {
				return fmt.Errorf("index passage %s: %w", id, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, nil
}

// Add indexes a single passage under the given ID. Used by tests and for
// incremental document updates.
func (i *Index) Add(id string, p Passage) error {
	return i.idx.Index(id, p)
}

// Search runs a match query and returns up to limit passages by relevance.
func (i *Index) Search(query string, limit int) ([]Passage, error) {
	if limit <= 0 {
		limit = 3
	}
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit
	req.Fields = []string{"text", "source"}

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	passages := make([]Passage, 0, len(res.Hits))
	for _, hit := range res.Hits {
		p := Passage{Score: hit.Score}
		if text, ok := hit.Fields["text"].(string); ok {
			p.Text = text
		}
		if source, ok := hit.Fields["source"].(string); ok {
			p.Source = source
		}
		passages = append(passages, p)
	}
	return passages, nil
}

// Close releases the underlying index.
func (i *Index) Close() error {
	return i.idx.Close()
}

func splitParagraphs(content string) []string {
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
