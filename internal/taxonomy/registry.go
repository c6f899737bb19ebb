package taxonomy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/bookgraph/internal/domain"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/schema"
)

const registryFileName = "taxonomy_registry.json"

// registryRecord is the decoded shape of taxonomy_registry.json.
type registryRecord struct {
	Taxonomies []registryEntry `json:"taxonomies"`
	Default    string          `json:"default_taxonomy"`
}

type registryEntry struct {
	ID       string `json:"id"`
	File     string `json:"file"`
	Checksum string `json:"checksum,omitempty"`
	Default  bool   `json:"default,omitempty"`

	// Listing metadata. When present, List answers from the registry
	// file alone without loading tier membership.
	Name      string   `json:"name,omitempty"`
	Version   string   `json:"version,omitempty"`
	TierCount int      `json:"tier_count,omitempty"`
	BookCount int      `json:"book_count,omitempty"`
	Domains   []string `json:"domains,omitempty"`
}

// taxonomyRecord accepts both tier-order spellings: rank (current) and
// priority (legacy).
type taxonomyRecord struct {
	Name    string       `json:"name" yaml:"name"`
	Version string       `json:"version" yaml:"version"`
	Tiers   []tierRecord `json:"tiers" yaml:"tiers"`
}

type tierRecord struct {
	Name        string         `json:"name" yaml:"name"`
	Rank        *int           `json:"rank,omitempty" yaml:"rank,omitempty"`
	Priority    *int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Books       []memberRecord `json:"books,omitempty" yaml:"books,omitempty"`
}

type memberRecord struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
}

func (t *tierRecord) resolveRank() (int, *domain.Violation) {
	switch {
	case t.Rank != nil && t.Priority != nil:
		if *t.Rank != *t.Priority {
			return 0, &domain.Violation{
				Path:     "tiers.rank",
				Expected: "rank and priority to agree when both present",
				Actual:   fmt.Sprintf("rank=%d priority=%d", *t.Rank, *t.Priority),
			}
		}
		return *t.Rank, nil
	case t.Rank != nil:
		return *t.Rank, nil
	case t.Priority != nil:
		return *t.Priority, nil
	default:
		return 0, &domain.Violation{
			Path:     "tiers.rank",
			Expected: "one of rank or priority",
			Actual:   "neither present",
		}
	}
}

// Registry loads taxonomy definitions from a directory holding
// taxonomy_registry.json plus one definition file per taxonomy. Definitions
// are validated and checksum-verified at load, then cached immutably.
type Registry struct {
	dir       string
	defaultID string
	entries   map[string]registryEntry
	order     []string
	validator *schema.Validator
	log       *logger.Logger

	cache map[string]*Taxonomy
}

// NewRegistry reads and validates the registry file. Definition files are
// loaded lazily on first use.
func NewRegistry(dir string, validator *schema.Validator, log *logger.Logger) (*Registry, error) {
	path := filepath.Join(dir, registryFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy registry %s: %w", path, err)
	}
	if verr, err := validator.ValidateBytes(schema.SchemaTaxonomyRegistry, path, data); err != nil {
		return nil, err
	} else if verr != nil {
		return nil, verr
	}

	var rec registryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode taxonomy registry %s: %w", path, err)
	}

	r := &Registry{
		dir:       dir,
		defaultID: rec.Default,
		entries:   make(map[string]registryEntry, len(rec.Taxonomies)),
		validator: validator,
		log:       log,
		cache:     map[string]*Taxonomy{},
	}
	for _, e := range rec.Taxonomies {
		if _, dup := r.entries[e.ID]; dup {
			return nil, fmt.Errorf("taxonomy registry %s: duplicate id %q", path, e.ID)
		}
		r.entries[e.ID] = e
		r.order = append(r.order, e.ID)
		if r.defaultID == "" && e.Default {
			r.defaultID = e.ID
		}
	}
	if r.defaultID == "" && len(rec.Taxonomies) > 0 {
		r.defaultID = rec.Taxonomies[0].ID
	}
	if _, ok := r.entries[r.defaultID]; !ok {
		return nil, fmt.Errorf("taxonomy registry %s: default_taxonomy %q not registered", path, r.defaultID)
	}
	sort.Strings(r.order)
	return r, nil
}

// DefaultID returns the registry's configured default taxonomy.
func (r *Registry) DefaultID() string { return r.defaultID }

// List returns a summary for every registered taxonomy. Registry entries
// carrying listing metadata are answered from the registry file alone;
// membership is loaded only for entries without it.
func (r *Registry) List() ([]Summary, error) {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		entry := r.entries[id]
		if entry.TierCount > 0 {
			out = append(out, Summary{
				ID:        id,
				Name:      entry.Name,
				Version:   entry.Version,
				TierCount: entry.TierCount,
				BookCount: entry.BookCount,
				Domains:   append([]string(nil), entry.Domains...),
				IsDefault: id == r.defaultID,
			})
			continue
		}
		t, err := r.Load(id)
		if err != nil {
			return nil, err
		}
		books := 0
		for _, tier := range t.Tiers {
			books += len(tier.Members)
		}
		out = append(out, Summary{
			ID:        t.ID,
			Name:      t.Name,
			Version:   t.Version,
			TierCount: len(t.Tiers),
			BookCount: books,
			IsDefault: t.ID == r.defaultID,
		})
	}
	return out, nil
}

// Load returns the taxonomy for id, or the default when id is empty. An
// unknown explicit id is an error; the default is never substituted for it.
func (r *Registry) Load(id string) (*Taxonomy, error) {
	if id == "" {
		id = r.defaultID
	}
	if cached, ok := r.cache[id]; ok {
		return cached.clone(), nil
	}

	entry, ok := r.entries[id]
	if !ok {
		known := make([]string, len(r.order))
		copy(known, r.order)
		return nil, &domain.TaxonomyNotFoundError{ID: id, Known: known}
	}

	path := filepath.Join(r.dir, entry.File)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	if entry.Checksum != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != entry.Checksum {
			return nil, fmt.Errorf(
				"taxonomy %s: checksum mismatch (want=%s got=%s)",
				path, entry.Checksum, got,
			)
		}
	}

	rec, err := r.decode(path, data)
	if err != nil {
		return nil, err
	}

	t := &Taxonomy{ID: id, Name: rec.Name, Version: rec.Version}
	seenRanks := map[int]string{}
	for i, tr := range rec.Tiers {
		rank, vio := tr.resolveRank()
		if vio != nil {
			return nil, &domain.ValidationError{
				Record:     fmt.Sprintf("%s tiers[%d]", path, i),
				SchemaID:   schema.SchemaTaxonomy,
				Violations: []domain.Violation{*vio},
			}
		}
		if prev, dup := seenRanks[rank]; dup {
			return nil, fmt.Errorf(
				"taxonomy %s: tiers %q and %q share rank %d",
				path, prev, tr.Name, rank,
			)
		}
		seenRanks[rank] = tr.Name
		members := make([]string, 0, len(tr.Books))
		for _, b := range tr.Books {
			members = append(members, b.ID)
		}
		t.Tiers = append(t.Tiers, Tier{
			Name:        tr.Name,
			Rank:        rank,
			Description: tr.Description,
			Members:     members,
		})
	}
	t.index()

	r.cache[id] = t
	r.log.Debug("taxonomy loaded", "taxonomy_id", id, "tiers", len(t.Tiers))
	return t.clone(), nil
}

func (r *Registry) decode(path string, data []byte) (*taxonomyRecord, error) {
	var rec taxonomyRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode taxonomy %s: %w", path, err)
		}
		// Schema validation runs on the JSON rendering so YAML and JSON
		// definitions face identical constraints.
		jsonData, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("normalize taxonomy %s: %w", path, err)
		}
		if verr, err := r.validator.ValidateBytes(schema.SchemaTaxonomy, path, jsonData); err != nil {
			return nil, err
		} else if verr != nil {
			return nil, verr
		}
	default:
		if verr, err := r.validator.ValidateBytes(schema.SchemaTaxonomy, path, data); err != nil {
			return nil, err
		} else if verr != nil {
			return nil, verr
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode taxonomy %s: %w", path, err)
		}
	}
	return &rec, nil
}

func (t *Taxonomy) clone() *Taxonomy {
	out := &Taxonomy{ID: t.ID, Name: t.Name, Version: t.Version}
	out.Tiers = make([]Tier, len(t.Tiers))
	for i, tier := range t.Tiers {
		out.Tiers[i] = Tier{
			Name:        tier.Name,
			Rank:        tier.Rank,
			Description: tier.Description,
			Members:     append([]string(nil), tier.Members...),
		}
	}
	out.index()
	return out
}
