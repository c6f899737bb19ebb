package verify

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/platform/neo4jdb"
	"github.com/yungbote/bookgraph/internal/platform/qdrant"
	"github.com/yungbote/bookgraph/internal/seed"
)

// Check is one expected-vs-actual comparison against a live store.
type Check struct {
	Name     string
	Expected int
	Actual   int
	OK       bool
}

// Report collects every check of a verification run.
type Report struct {
	Checks []Check
}

func (r *Report) add(name string, expected, actual int) {
	r.Checks = append(r.Checks, Check{
		Name:     name,
		Expected: expected,
		Actual:   actual,
		OK:       expected == actual,
	})
}

// Passed reports whether every check matched.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// FailedChecks returns the mismatches only.
func (r *Report) FailedChecks() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// graphReader is the read surface verification needs from Neo4j.
type graphReader interface {
	ReadCount(ctx context.Context, query string, params map[string]any) (int, error)
}

type neoReader struct {
	client *neo4jdb.Client
}

func (r *neoReader) ReadCount(ctx context.Context, query string, params map[string]any) (int, error) {
	session := r.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: r.client.Database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		count, ok := rec.Values[0].(int64)
		if !ok {
			return nil, fmt.Errorf("count query returned %T", rec.Values[0])
		}
		return int(count), nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

// pointCounter is the read surface verification needs from Qdrant.
type pointCounter interface {
	CountPoints(ctx context.Context, collection string) (int, error)
}

// Verifier reconciles live store contents against the plan recomputed from
// local records. It never writes.
type Verifier struct {
	graph   graphReader
	vectors pointCounter
	log     *logger.Logger

	chapterCollection string
	conceptCollection string
}

func NewVerifier(neoClient *neo4jdb.Client, qdrantClient *qdrant.Client, log *logger.Logger) *Verifier {
	cfg := qdrantClient.Config()
	return &Verifier{
		graph:             &neoReader{client: neoClient},
		vectors:           qdrantClient,
		log:               log.With("component", "Verifier"),
		chapterCollection: cfg.ChapterCollection,
		conceptCollection: cfg.ConceptCollection,
	}
}

// Expectation is what the local record set says the stores should hold.
type Expectation struct {
	Plan           seed.Plan
	ChapterVectors int
	ConceptVectors int
}

// Verify compares node counts, edge counts, chapter parentage and vector
// point counts against the expectation.
func (v *Verifier) Verify(ctx context.Context, want Expectation) (*Report, error) {
	report := &Report{}

	labels := make([]string, 0, len(want.Plan.Nodes))
	for label := range want.Plan.Nodes {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		count, err := v.graph.ReadCount(ctx,
			fmt.Sprintf("MATCH (n:%s) RETURN count(n)", label), nil)
		if err != nil {
			return report, &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
		}
		report.add("node:"+label, want.Plan.Nodes[label], count)
	}

	rels := make([]string, 0, len(want.Plan.Edges))
	for rel := range want.Plan.Edges {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		count, err := v.graph.ReadCount(ctx,
			fmt.Sprintf("MATCH ()-[r:%s]->() RETURN count(r)", rel), nil)
		if err != nil {
			return report, &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
		}
		report.add("edge:"+rel, want.Plan.Edges[rel], count)
	}

	// Every chapter must hang off a book; orphans mean a partial seed.
	orphans, err := v.graph.ReadCount(ctx,
		"MATCH (c:Chapter) WHERE NOT ( (:Book)-[:HAS_CHAPTER]->(c) ) RETURN count(c)", nil)
	if err != nil {
		return report, &domain.StoreUnavailableError{Store: "neo4j", Cause: err}
	}
	report.add("orphan_chapters", 0, orphans)

	points, err := v.vectors.CountPoints(ctx, v.chapterCollection)
	if err != nil {
		return report, &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
	}
	report.add("vectors:"+v.chapterCollection, want.ChapterVectors, points)

	if want.ConceptVectors > 0 {
		points, err := v.vectors.CountPoints(ctx, v.conceptCollection)
		if err != nil {
			return report, &domain.StoreUnavailableError{Store: "qdrant", Cause: err}
		}
		report.add("vectors:"+v.conceptCollection, want.ConceptVectors, points)
	}

	v.log.Info("verification finished",
		"checks", len(report.Checks),
		"passed", report.Passed(),
	)
	return report, nil
}
