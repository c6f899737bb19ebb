package seed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/bookgraph/internal/derive"
	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/platform/neo4jdb"
)

// Mode selects how a seeding run treats existing data.
type Mode string

const (
	// ModeDryRun computes and reports the plan without touching the store.
	ModeDryRun Mode = "dry-run"
	// ModeAdditive merges into existing data; re-running on identical
	// input is a no-op.
	ModeAdditive Mode = "additive"
	// ModeClear removes all pipeline-owned nodes first, then seeds.
	ModeClear Mode = "clear"
)

const (
	defaultBatchSize = 200
	defaultWorkers   = 4
)

// seededLabels are the node labels this pipeline owns. ModeClear deletes
// exactly these and nothing else.
var seededLabels = []string{"Book", "Chapter", "Concept", "Repository", "CodeExample"}

// edgeEndpoints pins the node labels each persisted relationship connects.
var edgeEndpoints = map[domain.RelType][2]string{
	domain.RelHasChapter:    {"Book", "Chapter"},
	domain.RelPartOf:        {"Chapter", "Book"},
	domain.RelCovers:        {"Chapter", "Concept"},
	domain.RelImplementedBy: {"Concept", "CodeExample"},
	domain.RelFoundIn:       {"CodeExample", "Repository"},
	domain.RelDemonstrates:  {"Chapter", "CodeExample"},
}

// cypherRunner is the write surface the seeder needs. The production
// implementation runs managed transactions against Neo4j; tests substitute a
// recorder.
type cypherRunner interface {
	WriteQuery(ctx context.Context, query string, params map[string]any) error
}

type neoRunner struct {
	client *neo4jdb.Client
}

func (r *neoRunner) WriteQuery(ctx context.Context, query string, params map[string]any) error {
	session := r.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: r.client.Database,
	})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return nil, res.Err()
	})
	return err
}

// RowFailure is a single rejected row. Row failures never abort the run;
// they are collected and reported at the end.
type RowFailure struct {
	Kind string
	ID   string
	Err  error
}

// Stats summarizes one graph seeding run.
type Stats struct {
	Mode     Mode
	Nodes    map[string]int
	Edges    map[string]int
	Failures []RowFailure

	mu sync.Mutex
}

func newStats(mode Mode) *Stats {
	return &Stats{Mode: mode, Nodes: map[string]int{}, Edges: map[string]int{}}
}

func (s *Stats) addNodes(label string, n int) {
	s.mu.Lock()
	s.Nodes[label] += n
	s.mu.Unlock()
}

func (s *Stats) addEdges(relType string, n int) {
	s.mu.Lock()
	s.Edges[relType] += n
	s.mu.Unlock()
}

func (s *Stats) fail(kind, id string, err error) {
	s.mu.Lock()
	s.Failures = append(s.Failures, RowFailure{Kind: kind, ID: id, Err: err})
	s.mu.Unlock()
}

// FailureCount reports the number of rows rejected during the run.
func (s *Stats) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Failures)
}

// GraphSeeder writes derived nodes and edges into Neo4j idempotently. Every
// write is a MERGE keyed on the derived identifier, so re-running on
// identical input changes nothing.
type GraphSeeder struct {
	runner    cypherRunner
	log       *logger.Logger
	batchSize int
	workers   int
}

func NewGraphSeeder(client *neo4jdb.Client, log *logger.Logger) *GraphSeeder {
	return &GraphSeeder{
		runner:    &neoRunner{client: client},
		log:       log.With("component", "GraphSeeder"),
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
	}
}

// EnsureConstraints creates uniqueness constraints for every seeded label.
// Best effort: older servers that reject the syntax only cost a warning.
func (g *GraphSeeder) EnsureConstraints(ctx context.Context) {
	for _, label := range seededLabels {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT %s_id_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			lowerFirst(label), label,
		)
		if err := g.runner.WriteQuery(ctx, query, nil); err != nil {
			g.log.Warn("constraint creation failed", "label", label, "error", err)
		}
	}
}

// Clear removes every pipeline-owned node and its relationships. Nodes with
// other labels are untouched.
func (g *GraphSeeder) Clear(ctx context.Context) error {
	for _, label := range seededLabels {
		query := fmt.Sprintf("MATCH (n:%s) DETACH DELETE n", label)
		if err := g.runner.WriteQuery(ctx, query, nil); err != nil {
			return &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
		}
		g.log.Info("cleared label", "label", label)
	}
	return nil
}

// Plan describes what a run would write, keyed the same way Stats is.
type Plan struct {
	Nodes map[string]int
	Edges map[string]int
}

// PlanFor computes the write plan for a derivation without any store access.
func PlanFor(d *derive.Derivation) Plan {
	p := Plan{Nodes: map[string]int{}, Edges: map[string]int{}}
	p.Nodes["Book"] = len(d.Books)
	for _, b := range d.Books {
		p.Nodes["Chapter"] += len(b.Chapters)
	}
	p.Nodes["Concept"] = len(d.Concepts)
	p.Nodes["Repository"] = len(d.Repositories)
	p.Nodes["CodeExample"] = len(d.CodeExamples)
	for _, e := range d.Edges {
		p.Edges[e.Type.Wire()]++
	}
	return p
}

// Seed writes the derivation into the graph under the given mode. Dry-run
// reports the plan as stats without writing. Row-level failures are isolated
// and collected; only store-level failures abort.
func (g *GraphSeeder) Seed(ctx context.Context, d *derive.Derivation, mode Mode) (*Stats, error) {
	stats := newStats(mode)

	if mode == ModeDryRun {
		plan := PlanFor(d)
		stats.Nodes = plan.Nodes
		stats.Edges = plan.Edges
		g.log.Info("dry run, no writes", "nodes", plan.Nodes, "edges", plan.Edges)
		return stats, nil
	}

	g.EnsureConstraints(ctx)
	if mode == ModeClear {
		if err := g.Clear(ctx); err != nil {
			return stats, err
		}
	}

	if err := g.seedBooks(ctx, d.Books, stats); err != nil {
		return stats, err
	}
	if err := g.seedChapters(ctx, d.Books, stats); err != nil {
		return stats, err
	}
	if err := g.seedConcepts(ctx, d.Concepts, stats); err != nil {
		return stats, err
	}
	if err := g.seedRepositories(ctx, d.Repositories, stats); err != nil {
		return stats, err
	}
	if err := g.seedCodeExamples(ctx, d.CodeExamples, stats); err != nil {
		return stats, err
	}
	if err := g.seedEdges(ctx, d.Edges, stats); err != nil {
		return stats, err
	}

	g.log.Info("graph seeding complete",
		"mode", mode,
		"nodes", stats.Nodes,
		"edges", stats.Edges,
		"failures", stats.FailureCount(),
	)
	return stats, nil
}

const mergeBooksCypher = `
UNWIND $rows AS r
MERGE (b:Book {id: r.id})
SET b.title = r.title,
    b.author = r.author,
    b.source_file = r.source_file,
    b.source_checksum = r.source_checksum`

func (g *GraphSeeder) seedBooks(ctx context.Context, books []domain.Book, stats *Stats) error {
	rows := make([]map[string]any, 0, len(books))
	for _, b := range books {
		rows = append(rows, map[string]any{
			"id":              b.ID,
			"title":           b.Title,
			"author":          b.Author,
			"source_file":     b.SourceFile,
			"source_checksum": b.SourceChecksum,
		})
	}
	return g.mergeRows(ctx, "Book", mergeBooksCypher, rows, stats, func(n int) { stats.addNodes("Book", n) })
}

const mergeChaptersCypher = `
UNWIND $rows AS r
MERGE (c:Chapter {id: r.id})
SET c.book_id = r.book_id,
    c.ordinal = r.ordinal,
    c.title = r.title,
    c.keywords = r.keywords,
    c.concepts = r.concepts,
    c.summary = r.summary`

func (g *GraphSeeder) seedChapters(ctx context.Context, books []domain.Book, stats *Stats) error {
	var rows []map[string]any
	for _, b := range books {
		for _, c := range b.Chapters {
			rows = append(rows, map[string]any{
				"id":       c.ID,
				"book_id":  c.BookID,
				"ordinal":  c.Ordinal,
				"title":    c.Title,
				"keywords": toAnySlice(c.Keywords),
				"concepts": toAnySlice(c.Concepts),
				"summary":  c.Summary,
			})
		}
	}

	// Chapter volume dominates; batches run concurrently. Chapter ids are
	// globally unique after derivation, so no two workers touch one node.
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(g.workers)
	for _, batch := range chunkRows(rows, g.batchSize) {
		batch := batch
		grp.Go(func() error {
			return g.mergeBatch(grpCtx, "Chapter", mergeChaptersCypher, batch, stats, func(n int) {
				stats.addNodes("Chapter", n)
			})
		})
	}
	return grp.Wait()
}

const mergeConceptsCypher = `
UNWIND $rows AS r
MERGE (c:Concept {id: r.id})
SET c.name = r.name,
    c.aliases = r.aliases`

func (g *GraphSeeder) seedConcepts(ctx context.Context, concepts []domain.Concept, stats *Stats) error {
	rows := make([]map[string]any, 0, len(concepts))
	for _, c := range concepts {
		rows = append(rows, map[string]any{
			"id":      c.ID,
			"name":    c.Name,
			"aliases": toAnySlice(c.Aliases),
		})
	}
	return g.mergeRows(ctx, "Concept", mergeConceptsCypher, rows, stats, func(n int) { stats.addNodes("Concept", n) })
}

const mergeRepositoriesCypher = `
UNWIND $rows AS r
MERGE (p:Repository {id: r.id})
SET p.name = r.name,
    p.source_url = r.source_url,
    p.domains = r.domains`

func (g *GraphSeeder) seedRepositories(ctx context.Context, repos []domain.Repository, stats *Stats) error {
	rows := make([]map[string]any, 0, len(repos))
	for _, r := range repos {
		rows = append(rows, map[string]any{
			"id":         r.ID,
			"name":       r.Name,
			"source_url": r.SourceURL,
			"domains":    toAnySlice(r.Domains),
		})
	}
	return g.mergeRows(ctx, "Repository", mergeRepositoriesCypher, rows, stats, func(n int) { stats.addNodes("Repository", n) })
}

const mergeCodeExamplesCypher = `
UNWIND $rows AS r
MERGE (e:CodeExample {id: r.id})
SET e.repository_id = r.repository_id,
    e.file_path = r.file_path,
    e.start_line = r.start_line,
    e.end_line = r.end_line,
    e.language = r.language`

func (g *GraphSeeder) seedCodeExamples(ctx context.Context, examples []domain.CodeExample, stats *Stats) error {
	rows := make([]map[string]any, 0, len(examples))
	for _, e := range examples {
		rows = append(rows, map[string]any{
			"id":            e.ID,
			"repository_id": e.RepositoryID,
			"file_path":     e.FilePath,
			"start_line":    e.StartLine,
			"end_line":      e.EndLine,
			"language":      e.Language,
		})
	}
	return g.mergeRows(ctx, "CodeExample", mergeCodeExamplesCypher, rows, stats, func(n int) { stats.addNodes("CodeExample", n) })
}

func (g *GraphSeeder) seedEdges(ctx context.Context, edges []domain.Edge, stats *Stats) error {
	byType := map[domain.RelType][]domain.Edge{}
	for _, e := range edges {
		byType[e.Type] = append(byType[e.Type], e)
	}
	types := make([]domain.RelType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, relType := range types {
		endpoints, ok := edgeEndpoints[relType]
		if !ok {
			// Tier relations and anything else outside the persisted set
			// must never reach the store.
			for _, e := range byType[relType] {
				stats.fail("edge", e.FromID+"->"+e.ToID, fmt.Errorf("relationship %s is not persisted", relType))
			}
			continue
		}
		query := fmt.Sprintf(`
UNWIND $rows AS r
MATCH (a:%s {id: r.from_id})
MATCH (b:%s {id: r.to_id})
MERGE (a)-[e:%s]->(b)
SET e += r.props`, endpoints[0], endpoints[1], relType.Wire())

		rows := make([]map[string]any, 0, len(byType[relType]))
		for _, e := range byType[relType] {
			props := map[string]any{}
			for k, v := range e.Props {
				props[k] = v
			}
			rows = append(rows, map[string]any{
				"from_id": e.FromID,
				"to_id":   e.ToID,
				"props":   props,
			})
		}
		wire := relType.Wire()
		if err := g.mergeRows(ctx, "edge:"+wire, query, rows, stats, func(n int) { stats.addEdges(wire, n) }); err != nil {
			return err
		}
	}
	return nil
}

// mergeRows writes rows in fixed-size batches sequentially.
func (g *GraphSeeder) mergeRows(
	ctx context.Context,
	kind, query string,
	rows []map[string]any,
	stats *Stats,
	count func(int),
) error {
	for _, batch := range chunkRows(rows, g.batchSize) {
		if err := g.mergeBatch(ctx, kind, query, batch, stats, count); err != nil {
			return err
		}
	}
	return nil
}

// mergeBatch tries the whole batch in one statement; on failure it retries
// row by row so one bad row cannot sink its batch.
func (g *GraphSeeder) mergeBatch(
	ctx context.Context,
	kind, query string,
	rows []map[string]any,
	stats *Stats,
	count func(int),
) error {
	if len(rows) == 0 {
		return nil
	}
	if err := g.runner.WriteQuery(ctx, query, map[string]any{"rows": rows}); err == nil {
		count(len(rows))
		return nil
	} else if ctx.Err() != nil || neo4j.IsConnectivityError(err) {
		// A dead store is fatal to the run, not a row problem.
		return &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
	}

	g.log.Warn("batch write failed, isolating rows", "kind", kind, "rows", len(rows))
	written := 0
	for _, row := range rows {
		if err := g.runner.WriteQuery(ctx, query, map[string]any{"rows": []map[string]any{row}}); err != nil {
			if ctx.Err() != nil || neo4j.IsConnectivityError(err) {
				return &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
			}
			stats.fail(kind, rowID(row), err)
			continue
		}
		written++
	}
	count(written)
	return nil
}

func rowID(row map[string]any) string {
	if id, ok := row["id"].(string); ok {
		return id
	}
	from, _ := row["from_id"].(string)
	to, _ := row["to_id"].(string)
	return from + "->" + to
}

func chunkRows(rows []map[string]any, size int) [][]map[string]any {
	if size <= 0 {
		size = defaultBatchSize
	}
	var out [][]map[string]any
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
