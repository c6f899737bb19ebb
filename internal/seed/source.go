package seed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yungbote/bookgraph/internal/derive"
	"github.com/yungbote/bookgraph/internal/schema"
)

// LoadBooks reads every book record file from the local store, validates it
// and returns derivation inputs. Files that fail validation or parsing are
// collected as failures; only an unreadable directory aborts.
func LoadBooks(validator *schema.Validator, dir string) ([]derive.BookInput, []RowFailure, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read books dir %s: %w", dir, err)
	}

	var inputs []derive.BookInput
	var failures []RowFailure
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == "manifest.json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, RowFailure{Kind: "book_file", ID: name, Err: err})
			continue
		}
		verr, err := validator.ValidateBytes(schema.BookSchemaForFile(name), path, data)
		if err != nil {
			failures = append(failures, RowFailure{Kind: "book_file", ID: name, Err: err})
			continue
		}
		if verr != nil {
			failures = append(failures, RowFailure{Kind: "book_file", ID: name, Err: verr})
			continue
		}

		var rec schema.BookRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			failures = append(failures, RowFailure{Kind: "book_file", ID: name, Err: err})
			continue
		}
		sum := sha256.Sum256(data)
		inputs = append(inputs, derive.BookInput{
			Record:   rec,
			Source:   name,
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	return inputs, failures, nil
}

// LoadRepositories reads repository metadata records from a directory. A
// missing directory is not an error: code-reference seeding is optional.
func LoadRepositories(validator *schema.Validator, dir string) ([]schema.RepositoryRecord, []RowFailure, error) {
	if dir == "" {
		return nil, nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read repos dir %s: %w", dir, err)
	}

	var repos []schema.RepositoryRecord
	var failures []RowFailure
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, RowFailure{Kind: "repo_file", ID: name, Err: err})
			continue
		}
		verr, err := validator.ValidateBytes(schema.SchemaRepoMetadata, path, data)
		if err != nil {
			failures = append(failures, RowFailure{Kind: "repo_file", ID: name, Err: err})
			continue
		}
		if verr != nil {
			failures = append(failures, RowFailure{Kind: "repo_file", ID: name, Err: verr})
			continue
		}
		var rec schema.RepositoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			failures = append(failures, RowFailure{Kind: "repo_file", ID: name, Err: err})
			continue
		}
		repos = append(repos, rec)
	}
	return repos, failures, nil
}
