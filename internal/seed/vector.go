package seed

import (
	"context"
	"fmt"
	"sort"

	"github.com/yungbote/bookgraph/internal/derive"
	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/platform/qdrant"
)

// Payload text fields are bounded so a single oversized summary cannot
// balloon the collection. Truncation is deterministic: same input, same
// payload, same idempotent upsert.
const maxPayloadTextLen = 8000

// VectorStore is the surface the vector seeder needs from the Qdrant
// adapter. Tests substitute an in-memory recorder.
type VectorStore interface {
	Ready(ctx context.Context) error
	EnsureCollection(ctx context.Context, collection string) error
	UpsertPoints(ctx context.Context, collection string, points []qdrant.Point) error
	CountPoints(ctx context.Context, collection string) (int, error)
	ClearPoints(ctx context.Context, collection string) error
}

// VectorStats summarizes one vector seeding run.
type VectorStats struct {
	Mode      Mode
	Upserted  map[string]int
	Skipped   int
	Failures  []RowFailure
	VectorDim int
}

// VectorSeeder ships upstream-computed embeddings into Qdrant with
// deterministic point ids and tier-free payloads.
type VectorSeeder struct {
	store     VectorStore
	log       *logger.Logger
	dim       int
	batchSize int

	chapterCollection string
	conceptCollection string
}

func NewVectorSeeder(client *qdrant.Client, log *logger.Logger) *VectorSeeder {
	cfg := client.Config()
	return &VectorSeeder{
		store:             client,
		log:               log.With("component", "VectorSeeder"),
		dim:               cfg.VectorDim,
		batchSize:         defaultBatchSize,
		chapterCollection: cfg.ChapterCollection,
		conceptCollection: cfg.ConceptCollection,
	}
}

// ChapterPayload builds the payload stored alongside a chapter vector.
// Classification fields (tier, priority) are never part of it; payloads stay
// valid across taxonomy edits.
func ChapterPayload(c domain.Chapter) map[string]any {
	payload := map[string]any{
		"chapter_id": c.ID,
		"book_id":    c.BookID,
		"ordinal":    c.Ordinal,
		"title":      truncateText(c.Title),
	}
	if len(c.Keywords) > 0 {
		payload["keywords"] = c.Keywords
	}
	if len(c.Concepts) > 0 {
		payload["concepts"] = c.Concepts
	}
	if c.Summary != "" {
		payload["summary"] = truncateText(c.Summary)
	}
	if len(c.SimilarLinks) > 0 {
		links := make([]map[string]any, 0, len(c.SimilarLinks))
		for _, l := range c.SimilarLinks {
			links = append(links, map[string]any{
				"chapter_id": l.ChapterID,
				"score":      l.Score,
				"method":     l.Method,
			})
		}
		payload["similar_chapters"] = links
	}
	return payload
}

// ConceptPayload builds the payload stored alongside a concept vector.
func ConceptPayload(id, name string, aliases []string) map[string]any {
	payload := map[string]any{
		"concept_id": id,
		"name":       name,
	}
	if len(aliases) > 0 {
		payload["aliases"] = aliases
	}
	return payload
}

// Seed upserts chapter and concept vectors under the given mode. Chapters
// without an embedding are skipped, not failed: raw books legitimately have
// none. A wrong-dimension embedding fails that record only.
func (v *VectorSeeder) Seed(ctx context.Context, d *derive.Derivation, mode Mode) (*VectorStats, error) {
	stats := &VectorStats{Mode: mode, Upserted: map[string]int{}, VectorDim: v.dim}

	chapterPoints, conceptPoints := v.collectPoints(d, stats)
	if mode == ModeDryRun {
		stats.Upserted[v.chapterCollection] = len(chapterPoints)
		stats.Upserted[v.conceptCollection] = len(conceptPoints)
		v.log.Info("dry run, no upserts",
			"chapters", len(chapterPoints),
			"concepts", len(conceptPoints),
			"skipped", stats.Skipped,
		)
		return stats, nil
	}

	if err := v.store.Ready(ctx); err != nil {
		return stats, &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
	}

	if err := v.seedCollection(ctx, v.chapterCollection, chapterPoints, mode, stats); err != nil {
		return stats, err
	}
	if len(conceptPoints) > 0 || mode == ModeClear {
		if err := v.seedCollection(ctx, v.conceptCollection, conceptPoints, mode, stats); err != nil {
			return stats, err
		}
	}

	v.log.Info("vector seeding complete",
		"mode", mode,
		"upserted", stats.Upserted,
		"skipped", stats.Skipped,
		"failures", len(stats.Failures),
	)
	return stats, nil
}

func (v *VectorSeeder) collectPoints(d *derive.Derivation, stats *VectorStats) (chapters, concepts []qdrant.Point) {
	for _, b := range d.Books {
		for _, c := range b.Chapters {
			if len(c.Embedding) == 0 {
				stats.Skipped++
				continue
			}
			if len(c.Embedding) != v.dim {
				stats.Failures = append(stats.Failures, RowFailure{
					Kind: "chapter",
					ID:   c.ID,
					Err:  fmt.Errorf("embedding dimension: want=%d got=%d", v.dim, len(c.Embedding)),
				})
				continue
			}
			chapters = append(chapters, qdrant.Point{
				ID:      c.ID,
				Vector:  c.Embedding,
				Payload: ChapterPayload(c),
			})
		}
	}

	aliasesByID := map[string][]string{}
	nameByID := map[string]string{}
	for _, c := range d.Concepts {
		aliasesByID[c.ID] = c.Aliases
		nameByID[c.ID] = c.Name
	}
	ids := make([]string, 0, len(d.ConceptVectors))
	for id := range d.ConceptVectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		vec := d.ConceptVectors[id]
		if len(vec) != v.dim {
			stats.Failures = append(stats.Failures, RowFailure{
				Kind: "concept",
				ID:   id,
				Err:  fmt.Errorf("embedding dimension: want=%d got=%d", v.dim, len(vec)),
			})
			continue
		}
		concepts = append(concepts, qdrant.Point{
			ID:      id,
			Vector:  vec,
			Payload: ConceptPayload(id, nameByID[id], aliasesByID[id]),
		})
	}
	return chapters, concepts
}

func (v *VectorSeeder) seedCollection(
	ctx context.Context,
	collection string,
	points []qdrant.Point,
	mode Mode,
	stats *VectorStats,
) error {
	if err := v.store.EnsureCollection(ctx, collection); err != nil {
		return &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
	}
	if mode == ModeClear {
		if err := v.store.ClearPoints(ctx, collection); err != nil {
			return &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
		}
		v.log.Info("cleared collection", "collection", collection)
	}

	for start := 0; start < len(points); start += v.batchSize {
		end := start + v.batchSize
		if end > len(points) {
			end = len(points)
		}
		if err := v.store.UpsertPoints(ctx, collection, points[start:end]); err != nil {
			return &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
		}
		stats.Upserted[collection] += end - start
	}
	return nil
}

// truncateText bounds a payload field to maxPayloadTextLen characters. The
// cut lands on a rune boundary so truncated payloads stay valid UTF-8.
func truncateText(s string) string {
	if len(s) <= maxPayloadTextLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxPayloadTextLen {
		return s
	}
	return string(runes[:maxPayloadTextLen])
}
