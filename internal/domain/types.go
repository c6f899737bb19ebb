package domain

// Book is the root stored entity. Identity is derived from title plus source
// provenance, never assigned by the upstream producer. Tier and priority are
// deliberately absent everywhere in this package: classification lives in
// taxonomy definitions and is overlaid at query time.
type Book struct {
	ID             string
	Title          string
	Author         string
	SourceFile     string
	SourceChecksum string
	Chapters       []Chapter
}

type Chapter struct {
	ID       string
	BookID   string
	Ordinal  int
	Title    string
	Keywords []string
	Concepts []string
	Summary  string
	// Embedding is produced upstream; this pipeline only validates its
	// dimensionality and ships it to the vector store.
	Embedding    []float32
	SimilarLinks []SimilarityLink
}

// SimilarityLink is an ordered cross-chapter reference computed by the
// upstream enrichment process.
type SimilarityLink struct {
	ChapterID string  `json:"chapter_id"`
	Score     float64 `json:"score"`
	Method    string  `json:"method"`
}

// Concept identity is name-derived: "Repository Pattern" and
// "repository pattern" resolve to the same node regardless of source.
type Concept struct {
	ID      string
	Name    string
	Aliases []string
}

// Repository is mirrored code-repository metadata, the producer side of the
// FOUND_IN and IMPLEMENTED_BY edges.
type Repository struct {
	ID        string
	Name      string
	SourceURL string
	Domains   []string
	Concepts  []string
}

// CodeExample is a located snippet inside a Repository.
type CodeExample struct {
	ID           string
	RepositoryID string
	FilePath     string
	StartLine    int
	EndLine      int
	Language     string
}

// Edge is a derived, typed relationship between two stored entities.
// Props carry the per-type property set (depth/primary for COVERS,
// confidence for IMPLEMENTED_BY and DEMONSTRATES).
type Edge struct {
	Type   RelType
	FromID string
	ToID   string
	Props  map[string]any
}
