package schema

import (
	"strconv"
	"strings"

	"github.com/yungbote/bookgraph/internal/domain"
)

// BookRecord is the decoded shape shared by raw and enriched book files.
// Enrichment-only fields stay empty for raw records.
type BookRecord struct {
	BookID            string               `json:"book_id,omitempty"`
	Title             string               `json:"title"`
	Author            string               `json:"author"`
	Chapters          []ChapterRecord      `json:"chapters"`
	ConceptEmbeddings map[string][]float32 `json:"concept_embeddings,omitempty"`
}

// ChapterRecord accepts both ordinal spellings: chapter_number (current) and
// number (legacy). ResolveOrdinal collapses them into the one semantic
// chapter number.
type ChapterRecord struct {
	ChapterNumber   *int                    `json:"chapter_number,omitempty"`
	Number          *int                    `json:"number,omitempty"`
	Title           string                  `json:"title"`
	Content         string                  `json:"content,omitempty"`
	Keywords        []string                `json:"keywords,omitempty"`
	Concepts        []string                `json:"concepts,omitempty"`
	Summary         string                  `json:"summary,omitempty"`
	Embedding       []float32               `json:"embedding,omitempty"`
	SimilarChapters []domain.SimilarityLink `json:"similar_chapters,omitempty"`
	CodeExamples    []CodeExampleRecord     `json:"code_examples,omitempty"`
}

type CodeExampleRecord struct {
	RepositoryID string   `json:"repository_id"`
	FilePath     string   `json:"file_path"`
	StartLine    int      `json:"start_line,omitempty"`
	EndLine      int      `json:"end_line,omitempty"`
	Language     string   `json:"language,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Implements   []string `json:"implements,omitempty"`
}

type RepositoryRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	SourceURL   string   `json:"source_url"`
	Domains     []string `json:"domains,omitempty"`
	Concepts    []string `json:"concepts,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ResolveOrdinal returns the chapter ordinal from whichever field is set.
// Ordinal is part of chapter identity, so a chapter carrying neither field,
// or both fields disagreeing, is rejected rather than silently dropped.
func (c *ChapterRecord) ResolveOrdinal() (int, *domain.Violation) {
	switch {
	case c.ChapterNumber != nil && c.Number != nil:
		if *c.ChapterNumber != *c.Number {
			return 0, &domain.Violation{
				Path:     "chapter_number",
				Expected: "chapter_number and number to agree when both present",
				Actual:   intsPair(*c.ChapterNumber, *c.Number),
			}
		}
		return *c.ChapterNumber, nil
	case c.ChapterNumber != nil:
		return *c.ChapterNumber, nil
	case c.Number != nil:
		return *c.Number, nil
	default:
		return 0, &domain.Violation{
			Path:     "chapter_number",
			Expected: "one of chapter_number or number",
			Actual:   "neither present",
		}
	}
}

func intsPair(a, b int) string {
	return "chapter_number=" + strconv.Itoa(a) + " number=" + strconv.Itoa(b)
}

// BookSchemaForFile selects the validation schema for a book record file by
// its naming convention. Enriched files (including already-renamed metadata
// files) carry the enrichment shape; everything else is a raw record.
func BookSchemaForFile(name string) string {
	if strings.HasSuffix(name, "_enriched.json") {
		return SchemaBookEnriched
	}
	return SchemaBookRaw
}
