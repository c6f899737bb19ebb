package seed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/yungbote/bookgraph/internal/derive"
	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/platform/qdrant"
	"github.com/yungbote/bookgraph/internal/schema"
)

type fakeVectorStore struct {
	ready       error
	ensured     []string
	cleared     []string
	upserts     map[string][]qdrant.Point
	upsertCalls int
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{upserts: map[string][]qdrant.Point{}}
}

func (f *fakeVectorStore) Ready(context.Context) error { return f.ready }

func (f *fakeVectorStore) EnsureCollection(_ context.Context, collection string) error {
	f.ensured = append(f.ensured, collection)
	return nil
}

func (f *fakeVectorStore) UpsertPoints(_ context.Context, collection string, points []qdrant.Point) error {
	f.upsertCalls++
	f.upserts[collection] = append(f.upserts[collection], points...)
	return nil
}

func (f *fakeVectorStore) CountPoints(_ context.Context, collection string) (int, error) {
	return len(f.upserts[collection]), nil
}

func (f *fakeVectorStore) ClearPoints(_ context.Context, collection string) error {
	f.cleared = append(f.cleared, collection)
	f.upserts[collection] = nil
	return nil
}

func vec(dim int, fill float32) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = fill
	}
	return out
}

const testDim = 8

func newTestVectorSeeder(t *testing.T, store VectorStore) *VectorSeeder {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatal(err)
	}
	return &VectorSeeder{
		store:             store,
		log:               log,
		dim:               testDim,
		batchSize:         defaultBatchSize,
		chapterCollection: "chapters",
		conceptCollection: "concepts",
	}
}

func enrichedDerivation(t *testing.T) *derive.Derivation {
	t.Helper()
	books := []derive.BookInput{{
		Source:   "books/a_enriched.json",
		Checksum: "c1",
		Record: schema.BookRecord{
			Title:  "Operating Systems",
			Author: "Remzi",
			Chapters: []schema.ChapterRecord{
				{
					ChapterNumber: intp(1),
					Title:         "Processes",
					Summary:       "How processes work.",
					Concepts:      []string{"Scheduling"},
					Embedding:     vec(testDim, 0.1),
				},
				{
					ChapterNumber: intp(2),
					Title:         "Threads",
					Embedding:     vec(testDim, 0.2),
				},
				{
					// Raw chapter: no embedding, must be skipped.
					ChapterNumber: intp(3),
					Title:         "Files",
				},
			},
			ConceptEmbeddings: map[string][]float32{
				"Scheduling": vec(testDim, 0.9),
			},
		},
	}}
	d, failures := derive.Derive(books, nil)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	return d
}

func TestVectorSeedUpserts(t *testing.T) {
	store := newFakeVectorStore()
	v := newTestVectorSeeder(t, store)
	stats, err := v.Seed(context.Background(), enrichedDerivation(t), ModeAdditive)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if stats.Upserted["chapters"] != 2 || stats.Upserted["concepts"] != 1 {
		t.Fatalf("unexpected upsert counts: %v", stats.Upserted)
	}
	if stats.Skipped != 1 {
		t.Fatalf("embedding-less chapter must be skipped, got %d", stats.Skipped)
	}
	if len(store.cleared) != 0 {
		t.Fatalf("additive mode must not clear")
	}
}

func TestVectorSeedDryRun(t *testing.T) {
	store := newFakeVectorStore()
	v := newTestVectorSeeder(t, store)
	stats, err := v.Seed(context.Background(), enrichedDerivation(t), ModeDryRun)
	if err != nil {
		t.Fatal(err)
	}
	if store.upsertCalls != 0 || len(store.ensured) != 0 {
		t.Fatalf("dry run must not touch the store")
	}
	if stats.Upserted["chapters"] != 2 {
		t.Fatalf("dry run stats must carry the plan: %v", stats.Upserted)
	}
}

func TestVectorSeedPayloadHasNoTierFields(t *testing.T) {
	store := newFakeVectorStore()
	v := newTestVectorSeeder(t, store)
	if _, err := v.Seed(context.Background(), enrichedDerivation(t), ModeAdditive); err != nil {
		t.Fatal(err)
	}
	for _, p := range store.upserts["chapters"] {
		for key := range p.Payload {
			lower := strings.ToLower(key)
			if strings.Contains(lower, "tier") || strings.Contains(lower, "priority") {
				t.Fatalf("payload carries classification field %q", key)
			}
		}
		if p.Payload["chapter_id"] == "" || p.Payload["book_id"] == "" {
			t.Fatalf("payload missing identifiers: %v", p.Payload)
		}
	}
}

func TestVectorSeedDimensionMismatchIsRecordLevel(t *testing.T) {
	d := enrichedDerivation(t)
	d.Books[0].Chapters[1].Embedding = vec(testDim+1, 0.5)

	store := newFakeVectorStore()
	v := newTestVectorSeeder(t, store)
	stats, err := v.Seed(context.Background(), d, ModeAdditive)
	if err != nil {
		t.Fatalf("dimension mismatch must not abort the run: %v", err)
	}
	if stats.Upserted["chapters"] != 1 {
		t.Fatalf("valid chapters must still land: %v", stats.Upserted)
	}
	if len(stats.Failures) != 1 || stats.Failures[0].Kind != "chapter" {
		t.Fatalf("want one chapter failure got %+v", stats.Failures)
	}
}

func TestVectorSeedClearMode(t *testing.T) {
	store := newFakeVectorStore()
	v := newTestVectorSeeder(t, store)
	if _, err := v.Seed(context.Background(), enrichedDerivation(t), ModeClear); err != nil {
		t.Fatal(err)
	}
	if len(store.cleared) != 2 {
		t.Fatalf("clear mode must clear both collections, got %v", store.cleared)
	}
}

func TestVectorSeedStoreUnavailable(t *testing.T) {
	store := newFakeVectorStore()
	store.ready = errors.New("connection refused")
	v := newTestVectorSeeder(t, store)
	_, err := v.Seed(context.Background(), enrichedDerivation(t), ModeAdditive)
	var unavailable *domain.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("want StoreUnavailableError got %v", err)
	}
	if unavailable.Store != "qdrant" {
		t.Fatalf("want store=qdrant got %q", unavailable.Store)
	}
}

func TestVectorSeedDeterministicPointIDs(t *testing.T) {
	a := qdrant.PointID("chapters", "book_ch001_abc123")
	b := qdrant.PointID("chapters", "book_ch001_abc123")
	if a != b {
		t.Fatalf("point ids must be deterministic: %q vs %q", a, b)
	}
	if a == qdrant.PointID("concepts", "book_ch001_abc123") {
		t.Fatalf("point ids must be collection-scoped")
	}
}

func TestTruncateText(t *testing.T) {
	long := strings.Repeat("a", maxPayloadTextLen+100)
	if got := truncateText(long); len(got) != maxPayloadTextLen {
		t.Fatalf("want %d chars got %d", maxPayloadTextLen, len(got))
	}
	if got := truncateText("short"); got != "short" {
		t.Fatalf("short text must pass through")
	}
}

func TestTruncateTextRuneBoundary(t *testing.T) {
	// Multi-byte text over the byte threshold but within the character
	// bound passes through whole.
	within := strings.Repeat("日", maxPayloadTextLen/2)
	if got := truncateText(within); got != within {
		t.Fatalf("text within the character bound must pass through")
	}

	long := strings.Repeat("日", maxPayloadTextLen+100)
	got := truncateText(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated payload text must stay valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != maxPayloadTextLen {
		t.Fatalf("want %d characters got %d", maxPayloadTextLen, n)
	}
}
