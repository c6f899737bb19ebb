package taxonomy

import (
	"regexp"
	"sort"

	"github.com/yungbote/bookgraph/internal/domain"
)

// Tier relations are never stored. A taxonomy is a lens: the same graph
// resolves to different tier structures under different taxonomies, so the
// pipeline computes PARALLEL/PERPENDICULAR/SKIP_TIER here, at query time.

// Tier is one level of a taxonomy, ordered by Rank (1 = most fundamental).
type Tier struct {
	Name        string
	Rank        int
	Description string
	// Members are book identifiers assigned to this tier. Matching is by
	// explicit membership; there is no pattern-rule engine.
	Members []string
}

// Taxonomy is an immutable classification scheme. Load returns a fresh copy
// per call so callers can never mutate shared registry state.
type Taxonomy struct {
	ID      string
	Name    string
	Version string
	Tiers   []Tier

	tierByBook map[string]int
}

// TierRelation is the computed relation between two classified entities.
type TierRelation string

const (
	RelationParallel      TierRelation = "PARALLEL"
	RelationPerpendicular TierRelation = "PERPENDICULAR"
	RelationSkipTier      TierRelation = "SKIP_TIER"
)

// chapterIDPattern matches the derived chapter identifier suffix, which is
// how a chapter's owning book is recovered without a graph round trip.
var chapterIDPattern = regexp.MustCompile(`^(.+)_ch\d{3}_[0-9a-f]{6}$`)

// BookIDForChapter extracts the owning book identifier from a derived
// chapter identifier. Returns false for identifiers in any other shape.
func BookIDForChapter(chapterID string) (string, bool) {
	m := chapterIDPattern.FindStringSubmatch(chapterID)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func (t *Taxonomy) index() {
	t.tierByBook = make(map[string]int, len(t.Tiers))
	for _, tier := range t.Tiers {
		for _, bookID := range tier.Members {
			t.tierByBook[bookID] = tier.Rank
		}
	}
	sort.Slice(t.Tiers, func(i, j int) bool { return t.Tiers[i].Rank < t.Tiers[j].Rank })
}

// Classification is the resolved tier of one entity under one taxonomy.
// Classified=false marks an entity the taxonomy does not cover; it is
// excluded from tier relations but remains fully queryable.
type Classification struct {
	EntityID   string
	TaxonomyID string
	TierName   string
	Rank       int
	Classified bool
}

// Resolve classifies an entity identifier under this taxonomy. Books resolve
// by membership; chapters inherit the tier of their owning book.
func (t *Taxonomy) Resolve(entityID string) Classification {
	c := Classification{EntityID: entityID, TaxonomyID: t.ID}
	bookID := entityID
	if owner, ok := BookIDForChapter(entityID); ok {
		bookID = owner
	}
	rank, ok := t.tierByBook[bookID]
	if !ok {
		return c
	}
	c.Classified = true
	c.Rank = rank
	for _, tier := range t.Tiers {
		if tier.Rank == rank {
			c.TierName = tier.Name
			break
		}
	}
	return c
}

// ResolveAll classifies a set of entities in one pass, preserving input
// order.
func (t *Taxonomy) ResolveAll(entityIDs []string) []Classification {
	out := make([]Classification, 0, len(entityIDs))
	for _, id := range entityIDs {
		out = append(out, t.Resolve(id))
	}
	return out
}

// RelationBetween computes the tier relation for two ranks: same tier is
// PARALLEL, adjacent tiers are PERPENDICULAR, two or more apart is
// SKIP_TIER. Relations are symmetric.
func RelationBetween(rankA, rankB int) TierRelation {
	diff := rankA - rankB
	if diff < 0 {
		diff = -diff
	}
	switch diff {
	case 0:
		return RelationParallel
	case 1:
		return RelationPerpendicular
	default:
		return RelationSkipTier
	}
}

// RelTypeFor maps a computed tier relation onto the domain edge type.
func RelTypeFor(r TierRelation) domain.RelType {
	switch r {
	case RelationParallel:
		return domain.RelParallel
	case RelationPerpendicular:
		return domain.RelPerpendicular
	default:
		return domain.RelSkipTier
	}
}

// OverlayEdge is a computed, taxonomy-scoped tier edge. It exists only in
// query results, never in the store.
type OverlayEdge struct {
	Relation   TierRelation
	FromID     string
	ToID       string
	TaxonomyID string
}

// Overlay computes the complete tier-relation set among the classified
// entities of the input. Every classified pair gets exactly one edge;
// unclassified entities get none. Output is sorted and deterministic.
func (t *Taxonomy) Overlay(entityIDs []string) []OverlayEdge {
	classified := make([]Classification, 0, len(entityIDs))
	seen := map[string]bool{}
	for _, id := range entityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if c := t.Resolve(id); c.Classified {
			classified = append(classified, c)
		}
	}
	sort.Slice(classified, func(i, j int) bool {
		return classified[i].EntityID < classified[j].EntityID
	})

	var edges []OverlayEdge
	for i := 0; i < len(classified); i++ {
		for j := i + 1; j < len(classified); j++ {
			a, b := classified[i], classified[j]
			edges = append(edges, OverlayEdge{
				Relation:   RelationBetween(a.Rank, b.Rank),
				FromID:     a.EntityID,
				ToID:       b.EntityID,
				TaxonomyID: t.ID,
			})
		}
	}
	return edges
}

// TraverseOptions bounds a walk over the overlay graph. MaxHops must be set
// by the caller; the complete spider web means an unbounded walk visits
// everything.
type TraverseOptions struct {
	MaxHops   int
	Relations []TierRelation
}

func (o TraverseOptions) allows(r TierRelation) bool {
	if len(o.Relations) == 0 {
		return true
	}
	for _, allowed := range o.Relations {
		if allowed == r {
			return true
		}
	}
	return false
}

// TraversalStep is one visited entity with the hop distance from the start.
type TraversalStep struct {
	EntityID string
	Hops     int
	Relation TierRelation
}

// Traverse walks the overlay graph breadth-first from startID across the
// given entity universe. The visited set and the hop bound together
// guarantee termination on the fully connected overlay.
func (t *Taxonomy) Traverse(startID string, universe []string, opts TraverseOptions) []TraversalStep {
	if opts.MaxHops <= 0 {
		return nil
	}
	start := t.Resolve(startID)
	if !start.Classified {
		return nil
	}

	adjacency := map[string][]OverlayEdge{}
	for _, e := range t.Overlay(append([]string{startID}, universe...)) {
		adjacency[e.FromID] = append(adjacency[e.FromID], e)
		adjacency[e.ToID] = append(adjacency[e.ToID], OverlayEdge{
			Relation: e.Relation, FromID: e.ToID, ToID: e.FromID, TaxonomyID: e.TaxonomyID,
		})
	}

	visited := map[string]bool{startID: true}
	type frame struct {
		id       string
		hops     int
		relation TierRelation
	}
	queue := []frame{{id: startID}}
	var steps []TraversalStep

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hops > 0 {
			steps = append(steps, TraversalStep{
				EntityID: cur.id,
				Hops:     cur.hops,
				Relation: cur.relation,
			})
		}
		if cur.hops == opts.MaxHops {
			continue
		}
		next := adjacency[cur.id]
		sort.Slice(next, func(i, j int) bool { return next[i].ToID < next[j].ToID })
		for _, e := range next {
			if visited[e.ToID] || !opts.allows(e.Relation) {
				continue
			}
			visited[e.ToID] = true
			queue = append(queue, frame{id: e.ToID, hops: cur.hops + 1, relation: e.Relation})
		}
	}
	return steps
}

// Summary is the listing shape for a registered taxonomy.
type Summary struct {
	ID        string
	Name      string
	Version   string
	TierCount int
	BookCount int
	Domains   []string
	IsDefault bool
}
