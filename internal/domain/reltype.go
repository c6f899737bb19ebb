package domain

// RelType is the closed set of relationship types. The internal values are
// opaque; Wire() defines the only serialization to the graph store's
// relationship names.
type RelType uint8

const (
	RelUnknown RelType = iota
	RelHasChapter
	RelCovers
	RelPartOf
	RelParallel
	RelPerpendicular
	RelSkipTier
	RelImplementedBy
	RelFoundIn
	RelDemonstrates
)

var relWire = map[RelType]string{
	RelHasChapter:    "HAS_CHAPTER",
	RelCovers:        "COVERS",
	RelPartOf:        "PART_OF",
	RelParallel:      "PARALLEL",
	RelPerpendicular: "PERPENDICULAR",
	RelSkipTier:      "SKIP_TIER",
	RelImplementedBy: "IMPLEMENTED_BY",
	RelFoundIn:       "FOUND_IN",
	RelDemonstrates:  "DEMONSTRATES",
}

func (t RelType) Wire() string {
	if s, ok := relWire[t]; ok {
		return s
	}
	return "UNKNOWN"
}

func (t RelType) String() string { return t.Wire() }

func RelTypeFromWire(s string) (RelType, bool) {
	for t, w := range relWire {
		if w == s {
			return t, true
		}
	}
	return RelUnknown, false
}

// PersistedRelTypes are the edge types the Graph Seeder owns and writes.
// Tier relations (PARALLEL, PERPENDICULAR, SKIP_TIER) are never persisted;
// they are overlaid per taxonomy at query time.
func PersistedRelTypes() []RelType {
	return []RelType{
		RelHasChapter,
		RelCovers,
		RelPartOf,
		RelImplementedBy,
		RelFoundIn,
		RelDemonstrates,
	}
}
