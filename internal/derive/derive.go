package derive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/schema"
)

// There is exactly one derivation path for every identifier. Two historical
// generators with diverging formats broke data correlation badly enough that
// the surviving convention is pinned here and nowhere else.

const (
	maxSlugLen     = 50
	bookHashLen    = 8
	chapterHashLen = 6

	// COVERS conventions: depth 1-5 (3 when the record says nothing),
	// primary marks the first listed concept of a chapter.
	DefaultCoverDepth = 3

	// Confidence on IMPLEMENTED_BY/DEMONSTRATES is 0.0-1.0, 0.5 when the
	// record says nothing. Out-of-range inputs are clamped, not dropped.
	DefaultConfidence = 0.5
)

var (
	nonAlnum   = regexp.MustCompile(`[^a-z0-9\s-]`)
	whitespace = regexp.MustCompile(`[\s-]+`)
)

// Slug normalizes a human name into identifier form: lowercase, punctuation
// stripped, runs of whitespace collapsed to underscores.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnum.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), "_")
	return s
}

// BookID derives the stable book identifier from title plus source
// provenance. The hash suffix keeps same-titled books from distinct sources
// apart.
func BookID(title, sourceFile string) string {
	slug := Slug(title)
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	sum := sha256.Sum256([]byte(title + "|" + sourceFile))
	return slug + "_" + hex.EncodeToString(sum[:])[:bookHashLen]
}

// ChapterID is keyed by (book identifier, ordinal) only, so re-ingesting a
// chapter whose title was edited keeps its identity.
func ChapterID(bookID string, ordinal int) string {
	sum := sha256.Sum256([]byte(bookID + ":" + fmt.Sprintf("%d", ordinal)))
	return fmt.Sprintf("%s_ch%03d_%s", bookID, ordinal, hex.EncodeToString(sum[:])[:chapterHashLen])
}

// ConceptID is name-derived: normalization alone decides identity.
func ConceptID(name string) string {
	return Slug(name)
}

func CodeExampleID(repositoryID, filePath string, startLine int) string {
	sum := sha256.Sum256([]byte(repositoryID + "|" + filePath + "|" + fmt.Sprintf("%d", startLine)))
	return repositoryID + "_ex_" + hex.EncodeToString(sum[:])[:bookHashLen]
}

// BookInput couples a validated record with its provenance.
type BookInput struct {
	Record   schema.BookRecord
	Source   string
	Checksum string
}

// Derivation is the complete, deterministic output for a batch: every node
// and every persisted edge, ready for both seeders. Calling Derive twice on
// byte-identical input yields byte-identical results.
type Derivation struct {
	Books        []domain.Book
	Concepts     []domain.Concept
	Repositories []domain.Repository
	CodeExamples []domain.CodeExample
	Edges        []domain.Edge

	// ConceptVectors are upstream-computed concept embeddings keyed by
	// concept identifier. The first record to supply a vector for a
	// concept wins; books are processed in input order.
	ConceptVectors map[string][]float32
}

// RecordFailure is a per-record rejection; it never aborts the batch.
type RecordFailure struct {
	Source string
	Err    error
}

// Derive validates identity constraints and produces the node and edge sets
// for a batch of books plus optional repository metadata. Records that fail
// (missing ordinal, duplicate ordinal, identity conflict) are isolated into
// failures.
func Derive(books []BookInput, repos []schema.RepositoryRecord) (*Derivation, []RecordFailure) {
	d := &Derivation{}
	var failures []RecordFailure

	conceptsByID := map[string]*domain.Concept{}
	examplesByID := map[string]domain.CodeExample{}
	booksByID := map[string]domain.Book{}

	repoIDs := map[string]bool{}
	for _, r := range repos {
		repoIDs[r.ID] = true
		d.Repositories = append(d.Repositories, domain.Repository{
			ID:        r.ID,
			Name:      r.Name,
			SourceURL: r.SourceURL,
			Domains:   append([]string(nil), r.Domains...),
			Concepts:  append([]string(nil), r.Concepts...),
		})
		for _, name := range r.Concepts {
			mergeConcept(conceptsByID, name)
		}
	}
	sort.Slice(d.Repositories, func(i, j int) bool { return d.Repositories[i].ID < d.Repositories[j].ID })

	for _, in := range books {
		book, edges, err := deriveBook(in, conceptsByID, examplesByID, repoIDs)
		if err != nil {
			failures = append(failures, RecordFailure{Source: in.Source, Err: err})
			continue
		}
		if prev, ok := booksByID[book.ID]; ok {
			if prev.Author != book.Author || prev.SourceChecksum != book.SourceChecksum {
				failures = append(failures, RecordFailure{
					Source: in.Source,
					Err: &domain.IdentityConflictError{
						ID:       book.ID,
						Field:    "source_checksum",
						Existing: prev.SourceChecksum,
						Incoming: book.SourceChecksum,
					},
				})
				continue
			}
			// Byte-identical re-ingestion of the same book is a no-op.
			continue
		}
		booksByID[book.ID] = book
		d.Books = append(d.Books, book)
		d.Edges = append(d.Edges, edges...)

		// Sorted keys: two spellings of one concept in a single record
		// must pick the same vector on every run.
		names := make([]string, 0, len(in.Record.ConceptEmbeddings))
		for name := range in.Record.ConceptEmbeddings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			vec := in.Record.ConceptEmbeddings[name]
			concept := mergeConcept(conceptsByID, name)
			if concept == nil || len(vec) == 0 {
				continue
			}
			if d.ConceptVectors == nil {
				d.ConceptVectors = map[string][]float32{}
			}
			if _, ok := d.ConceptVectors[concept.ID]; !ok {
				d.ConceptVectors[concept.ID] = append([]float32(nil), vec...)
			}
		}
	}

	for _, c := range conceptsByID {
		d.Concepts = append(d.Concepts, *c)
	}
	sort.Slice(d.Concepts, func(i, j int) bool { return d.Concepts[i].ID < d.Concepts[j].ID })

	for _, ex := range examplesByID {
		d.CodeExamples = append(d.CodeExamples, ex)
	}
	sort.Slice(d.CodeExamples, func(i, j int) bool { return d.CodeExamples[i].ID < d.CodeExamples[j].ID })

	// FOUND_IN edges once per example, after dedupe.
	for _, ex := range d.CodeExamples {
		d.Edges = append(d.Edges, domain.Edge{
			Type:   domain.RelFoundIn,
			FromID: ex.ID,
			ToID:   ex.RepositoryID,
		})
	}

	sort.Slice(d.Books, func(i, j int) bool { return d.Books[i].ID < d.Books[j].ID })
	d.Edges = dedupeEdges(d.Edges)
	sortEdges(d.Edges)
	return d, failures
}

// dedupeEdges keeps the first occurrence per (type, from, to). MERGE stores
// one edge per triple, so the derived set must count them the same way the
// store does.
func dedupeEdges(edges []domain.Edge) []domain.Edge {
	type key struct {
		t        domain.RelType
		from, to string
	}
	seen := map[key]bool{}
	out := edges[:0]
	for _, e := range edges {
		k := key{e.Type, e.FromID, e.ToID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}

func deriveBook(
	in BookInput,
	conceptsByID map[string]*domain.Concept,
	examplesByID map[string]domain.CodeExample,
	repoIDs map[string]bool,
) (domain.Book, []domain.Edge, error) {
	rec := in.Record
	bookID := BookID(rec.Title, in.Source)
	book := domain.Book{
		ID:             bookID,
		Title:          rec.Title,
		Author:         rec.Author,
		SourceFile:     in.Source,
		SourceChecksum: in.Checksum,
	}

	var edges []domain.Edge
	seenOrdinals := map[int]string{}

	for i, ch := range rec.Chapters {
		ordinal, vio := ch.ResolveOrdinal()
		if vio != nil {
			return domain.Book{}, nil, &domain.ValidationError{
				Record:     fmt.Sprintf("%s chapters[%d]", in.Source, i),
				SchemaID:   schema.SchemaBookEnriched,
				Violations: []domain.Violation{*vio},
			}
		}
		if prevTitle, dup := seenOrdinals[ordinal]; dup {
			return domain.Book{}, nil, &domain.IdentityConflictError{
				ID:       ChapterID(bookID, ordinal),
				Field:    "ordinal",
				Existing: prevTitle,
				Incoming: ch.Title,
			}
		}
		seenOrdinals[ordinal] = ch.Title

		chapterID := ChapterID(bookID, ordinal)
		chapter := domain.Chapter{
			ID:           chapterID,
			BookID:       bookID,
			Ordinal:      ordinal,
			Title:        ch.Title,
			Keywords:     append([]string(nil), ch.Keywords...),
			Concepts:     append([]string(nil), ch.Concepts...),
			Summary:      ch.Summary,
			Embedding:    append([]float32(nil), ch.Embedding...),
			SimilarLinks: clampLinks(ch.SimilarChapters),
		}
		book.Chapters = append(book.Chapters, chapter)

		edges = append(edges,
			domain.Edge{Type: domain.RelHasChapter, FromID: bookID, ToID: chapterID},
			domain.Edge{Type: domain.RelPartOf, FromID: chapterID, ToID: bookID},
		)

		for ci, name := range ch.Concepts {
			concept := mergeConcept(conceptsByID, name)
			if concept == nil {
				continue
			}
			edges = append(edges, domain.Edge{
				Type:   domain.RelCovers,
				FromID: chapterID,
				ToID:   concept.ID,
				Props: map[string]any{
					"depth":   int64(DefaultCoverDepth),
					"primary": ci == 0,
				},
			})
		}

		for _, exRec := range ch.CodeExamples {
			if !repoIDs[exRec.RepositoryID] {
				// Examples pointing at unregistered repositories are a
				// record-level failure: FOUND_IN would dangle.
				return domain.Book{}, nil, &domain.ValidationError{
					Record:   fmt.Sprintf("%s chapters[%d]", in.Source, i),
					SchemaID: schema.SchemaBookEnriched,
					Violations: []domain.Violation{{
						Path:     "code_examples.repository_id",
						Expected: "a registered repository id",
						Actual:   exRec.RepositoryID,
					}},
				}
			}
			exID := CodeExampleID(exRec.RepositoryID, exRec.FilePath, exRec.StartLine)
			examplesByID[exID] = domain.CodeExample{
				ID:           exID,
				RepositoryID: exRec.RepositoryID,
				FilePath:     exRec.FilePath,
				StartLine:    exRec.StartLine,
				EndLine:      exRec.EndLine,
				Language:     exRec.Language,
			}
			confidence := DefaultConfidence
			if exRec.Confidence != nil {
				confidence = clamp01(*exRec.Confidence)
			}
			edges = append(edges, domain.Edge{
				Type:   domain.RelDemonstrates,
				FromID: chapterID,
				ToID:   exID,
				Props:  map[string]any{"confidence": confidence},
			})
			for _, conceptName := range exRec.Implements {
				concept := mergeConcept(conceptsByID, conceptName)
				if concept == nil {
					continue
				}
				edges = append(edges, domain.Edge{
					Type:   domain.RelImplementedBy,
					FromID: concept.ID,
					ToID:   exID,
					Props:  map[string]any{"confidence": confidence},
				})
			}
		}
	}

	return book, edges, nil
}

// mergeConcept registers a concept name, keeping the first spelling as the
// canonical name and later variants as aliases.
func mergeConcept(byID map[string]*domain.Concept, name string) *domain.Concept {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil
	}
	id := ConceptID(trimmed)
	if id == "" {
		return nil
	}
	if existing, ok := byID[id]; ok {
		if existing.Name != trimmed && !contains(existing.Aliases, trimmed) {
			existing.Aliases = append(existing.Aliases, trimmed)
			sort.Strings(existing.Aliases)
		}
		return existing
	}
	c := &domain.Concept{ID: id, Name: trimmed}
	byID[id] = c
	return c
}

func clampLinks(links []domain.SimilarityLink) []domain.SimilarityLink {
	if len(links) == 0 {
		return nil
	}
	out := make([]domain.SimilarityLink, 0, len(links))
	for _, l := range links {
		l.Score = clamp01(l.Score)
		out = append(out, l)
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortEdges(edges []domain.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.FromID != b.FromID {
			return a.FromID < b.FromID
		}
		return a.ToID < b.ToID
	})
}
