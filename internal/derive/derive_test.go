package derive

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/schema"
)

func intp(v int) *int { return &v }

func sampleBook() BookInput {
	return BookInput{
		Source:   "books/clean_architecture_enriched.json",
		Checksum: "aabbccdd",
		Record: schema.BookRecord{
			Title:  "Clean Architecture",
			Author: "Robert C. Martin",
			Chapters: []schema.ChapterRecord{
				{
					ChapterNumber: intp(1),
					Title:         "What Is Design and Architecture?",
					Concepts:      []string{"Software Architecture", "Design"},
				},
				{
					Number:   intp(2),
					Title:    "A Tale of Two Values",
					Concepts: []string{"software architecture"},
				},
			},
		},
	}
}

func TestBookIDFormat(t *testing.T) {
	id := BookID("Clean Architecture", "books/a.json")
	if !regexp.MustCompile(`^[a-z0-9_]+_[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected book id format: %q", id)
	}
	if !strings.HasPrefix(id, "clean_architecture_") {
		t.Fatalf("want slug prefix, got %q", id)
	}
}

func TestBookIDSourceDisambiguation(t *testing.T) {
	a := BookID("Refactoring", "books/a.json")
	b := BookID("Refactoring", "books/b.json")
	if a == b {
		t.Fatalf("same id for distinct sources: %q", a)
	}
}

func TestBookIDSlugTruncation(t *testing.T) {
	long := strings.Repeat("very long title ", 10)
	id := BookID(long, "x.json")
	// slug(50) + "_" + hash(8)
	if len(id) != maxSlugLen+1+bookHashLen {
		t.Fatalf("want len=%d got=%d (%q)", maxSlugLen+1+bookHashLen, len(id), id)
	}
}

func TestChapterIDFormat(t *testing.T) {
	id := ChapterID("clean_architecture_12345678", 7)
	if !regexp.MustCompile(`_ch007_[0-9a-f]{6}$`).MatchString(id) {
		t.Fatalf("unexpected chapter id format: %q", id)
	}
}

func TestChapterIDIgnoresTitle(t *testing.T) {
	// Identity is (book, ordinal); retitling a chapter must not reassign it.
	a := ChapterID("book_aaaaaaaa", 3)
	b := ChapterID("book_aaaaaaaa", 3)
	if a != b {
		t.Fatalf("chapter id not stable: %q vs %q", a, b)
	}
}

func TestConceptIDNormalization(t *testing.T) {
	cases := map[string]string{
		"Repository Pattern":  "repository_pattern",
		"repository  pattern": "repository_pattern",
		"  Event-Driven!  ":   "event_driven",
	}
	for in, want := range cases {
		if got := ConceptID(in); got != want {
			t.Fatalf("ConceptID(%q): want=%q got=%q", in, want, got)
		}
	}
}

func TestDeriveDeterminism(t *testing.T) {
	first, failures := Derive([]BookInput{sampleBook()}, nil)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	second, _ := Derive([]BookInput{sampleBook()}, nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("derivation not deterministic")
	}
}

func TestDeriveOrdinalSpellingEquivalence(t *testing.T) {
	current := sampleBook()
	legacy := sampleBook()
	legacy.Record.Chapters[0].ChapterNumber = nil
	legacy.Record.Chapters[0].Number = intp(1)

	a, _ := Derive([]BookInput{current}, nil)
	b, _ := Derive([]BookInput{legacy}, nil)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("chapter_number and number spellings must derive identically")
	}
}

func TestDeriveConceptMerging(t *testing.T) {
	d, _ := Derive([]BookInput{sampleBook()}, nil)
	if len(d.Concepts) != 2 {
		t.Fatalf("want 2 concepts got %d: %+v", len(d.Concepts), d.Concepts)
	}
	var arch *domain.Concept
	for i := range d.Concepts {
		if d.Concepts[i].ID == "software_architecture" {
			arch = &d.Concepts[i]
		}
	}
	if arch == nil {
		t.Fatalf("software_architecture concept missing")
	}
	if arch.Name != "Software Architecture" {
		t.Fatalf("first spelling is canonical, got %q", arch.Name)
	}
	if len(arch.Aliases) != 1 || arch.Aliases[0] != "software architecture" {
		t.Fatalf("later spelling kept as alias, got %v", arch.Aliases)
	}
}

func TestDeriveConceptVectorSpellingDeterminism(t *testing.T) {
	build := func() BookInput {
		in := sampleBook()
		in.Record.ConceptEmbeddings = map[string][]float32{
			"Dependency Injection": {1, 1, 1},
			"dependency injection": {2, 2, 2},
		}
		return in
	}
	first, failures := Derive([]BookInput{build()}, nil)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	got := first.ConceptVectors["dependency_injection"]
	if !reflect.DeepEqual(got, []float32{1, 1, 1}) {
		t.Fatalf("first spelling in key order must win, got %v", got)
	}
	// Map iteration order is random; repeated runs flush out any
	// order-dependent pick.
	for i := 0; i < 200; i++ {
		d, _ := Derive([]BookInput{build()}, nil)
		if !reflect.DeepEqual(d.ConceptVectors, first.ConceptVectors) {
			t.Fatalf("run %d: concept vectors differ across identical input: %v vs %v",
				i, first.ConceptVectors, d.ConceptVectors)
		}
	}
}

func TestDeriveConceptVectorFirstRecordWins(t *testing.T) {
	a := sampleBook()
	a.Record.ConceptEmbeddings = map[string][]float32{"Scheduling": {1, 2}}
	b := sampleBook()
	b.Source = "books/other.json"
	b.Checksum = "eeff0011"
	b.Record.Title = "Operating Systems"
	b.Record.ConceptEmbeddings = map[string][]float32{"Scheduling": {9, 9}}

	d, _ := Derive([]BookInput{a, b}, nil)
	if got := d.ConceptVectors["scheduling"]; !reflect.DeepEqual(got, []float32{1, 2}) {
		t.Fatalf("first record's vector must win, got %v", got)
	}
}

func TestDeriveDedupesCoversAcrossSpellings(t *testing.T) {
	in := sampleBook()
	in.Record.Chapters[0].Concepts = []string{"Repository Pattern", "repository pattern"}

	d, failures := Derive([]BookInput{in}, nil)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	var covers []domain.Edge
	for _, e := range d.Edges {
		if e.Type == domain.RelCovers && e.ToID == "repository_pattern" {
			covers = append(covers, e)
		}
	}
	if len(covers) != 1 {
		t.Fatalf("want 1 COVERS edge per (chapter, concept) pair, got %d", len(covers))
	}
	// First occurrence keeps its props: the first listed concept is primary.
	if covers[0].Props["primary"] != true {
		t.Fatalf("deduped edge must keep the first occurrence's props: %+v", covers[0].Props)
	}
}

func TestDeriveEdgeSet(t *testing.T) {
	d, _ := Derive([]BookInput{sampleBook()}, nil)

	counts := map[domain.RelType]int{}
	for _, e := range d.Edges {
		counts[e.Type]++
	}
	if counts[domain.RelHasChapter] != 2 || counts[domain.RelPartOf] != 2 {
		t.Fatalf("want 2 HAS_CHAPTER and 2 PART_OF, got %v", counts)
	}
	if counts[domain.RelCovers] != 3 {
		t.Fatalf("want 3 COVERS edges got %d", counts[domain.RelCovers])
	}

	for _, e := range d.Edges {
		if e.Type != domain.RelCovers {
			continue
		}
		if e.Props["depth"] != int64(DefaultCoverDepth) {
			t.Fatalf("COVERS depth: want=%d got=%v", DefaultCoverDepth, e.Props["depth"])
		}
		if _, ok := e.Props["primary"].(bool); !ok {
			t.Fatalf("COVERS primary flag missing: %+v", e)
		}
	}
}

func TestDeriveCoversPrimaryIsFirstListed(t *testing.T) {
	d, _ := Derive([]BookInput{sampleBook()}, nil)
	ch1 := ChapterID(d.Books[0].ID, 1)
	for _, e := range d.Edges {
		if e.Type != domain.RelCovers || e.FromID != ch1 {
			continue
		}
		wantPrimary := e.ToID == "software_architecture"
		if e.Props["primary"] != wantPrimary {
			t.Fatalf("primary on %s->%s: want=%v got=%v", e.FromID, e.ToID, wantPrimary, e.Props["primary"])
		}
	}
}

func TestDeriveRejectsDuplicateOrdinal(t *testing.T) {
	in := sampleBook()
	in.Record.Chapters[1].Number = intp(1)

	d, failures := Derive([]BookInput{in}, nil)
	if len(d.Books) != 0 {
		t.Fatalf("book with duplicate ordinals must be rejected")
	}
	if len(failures) != 1 {
		t.Fatalf("want 1 failure got %d", len(failures))
	}
	var conflict *domain.IdentityConflictError
	if !errors.As(failures[0].Err, &conflict) {
		t.Fatalf("want IdentityConflictError got %T", failures[0].Err)
	}
	if conflict.Field != "ordinal" {
		t.Fatalf("want field=ordinal got %q", conflict.Field)
	}
}

func TestDeriveRejectsMissingOrdinal(t *testing.T) {
	in := sampleBook()
	in.Record.Chapters[0].ChapterNumber = nil

	_, failures := Derive([]BookInput{in}, nil)
	if len(failures) != 1 {
		t.Fatalf("want 1 failure got %d", len(failures))
	}
	var verr *domain.ValidationError
	if !errors.As(failures[0].Err, &verr) {
		t.Fatalf("want ValidationError got %T", failures[0].Err)
	}
}

func TestDeriveConflictingReingestion(t *testing.T) {
	a := sampleBook()
	b := sampleBook()
	b.Checksum = "11223344"

	d, failures := Derive([]BookInput{a, b}, nil)
	if len(d.Books) != 1 {
		t.Fatalf("want 1 book got %d", len(d.Books))
	}
	if len(failures) != 1 {
		t.Fatalf("conflicting re-ingestion must fail, got %d failures", len(failures))
	}
	var conflict *domain.IdentityConflictError
	if !errors.As(failures[0].Err, &conflict) {
		t.Fatalf("want IdentityConflictError got %T", failures[0].Err)
	}
}

func TestDeriveIdenticalReingestionIsNoop(t *testing.T) {
	one, _ := Derive([]BookInput{sampleBook()}, nil)
	two, failures := Derive([]BookInput{sampleBook(), sampleBook()}, nil)
	if len(failures) != 0 {
		t.Fatalf("identical re-ingestion must not fail: %v", failures)
	}
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("identical re-ingestion must be a no-op")
	}
}

func TestDeriveCodeReferences(t *testing.T) {
	in := sampleBook()
	conf := 1.7
	in.Record.Chapters[0].CodeExamples = []schema.CodeExampleRecord{{
		RepositoryID: "gin",
		FilePath:     "examples/middleware.go",
		StartLine:    10,
		EndLine:      42,
		Language:     "go",
		Confidence:   &conf,
		Implements:   []string{"Middleware"},
	}}
	repos := []schema.RepositoryRecord{{ID: "gin", Name: "Gin", SourceURL: "https://github.com/gin-gonic/gin"}}

	d, failures := Derive([]BookInput{in}, repos)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(d.Repositories) != 1 || len(d.CodeExamples) != 1 {
		t.Fatalf("want 1 repo and 1 example, got %d/%d", len(d.Repositories), len(d.CodeExamples))
	}

	counts := map[domain.RelType]int{}
	for _, e := range d.Edges {
		counts[e.Type]++
		if e.Type == domain.RelDemonstrates || e.Type == domain.RelImplementedBy {
			if e.Props["confidence"] != 1.0 {
				t.Fatalf("confidence must clamp to 1.0, got %v", e.Props["confidence"])
			}
		}
	}
	if counts[domain.RelFoundIn] != 1 || counts[domain.RelDemonstrates] != 1 || counts[domain.RelImplementedBy] != 1 {
		t.Fatalf("code reference edges wrong: %v", counts)
	}
}

func TestDeriveRejectsUnknownRepository(t *testing.T) {
	in := sampleBook()
	in.Record.Chapters[0].CodeExamples = []schema.CodeExampleRecord{{
		RepositoryID: "nope",
		FilePath:     "x.go",
	}}
	_, failures := Derive([]BookInput{in}, nil)
	if len(failures) != 1 {
		t.Fatalf("dangling repository reference must fail the record")
	}
}

func TestDeriveEdgesSorted(t *testing.T) {
	d, _ := Derive([]BookInput{sampleBook()}, nil)
	for i := 1; i < len(d.Edges); i++ {
		a, b := d.Edges[i-1], d.Edges[i]
		if a.Type > b.Type || (a.Type == b.Type && a.FromID > b.FromID) {
			t.Fatalf("edges not sorted at %d: %+v before %+v", i, a, b)
		}
	}
}
