package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/schema"
)

const (
	manifestFileName = "manifest.json"
	defaultBatchSize = 50

	enrichedSuffix = "_enriched.json"
	metadataSuffix = "_metadata_enriched.json"
)

// Status classifies the outcome for one source file.
type Status string

const (
	StatusMigrated Status = "migrated"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Result is the per-file outcome. Failures carry the reason; they never stop
// the run.
type Result struct {
	Source   string
	Target   string
	Checksum string
	Status   Status
	Err      error
}

// Summary totals one migration run.
type Summary struct {
	Total    int
	Migrated int
	Skipped  int
	Failed   int
}

// Options configures a migration run. BatchSize bounds how many files are
// held in flight at once; the full source set is never accumulated.
type Options struct {
	SourceDir string
	TargetDir string
	BatchSize int
	DryRun    bool
}

// Runner streams record files from a source directory into validated local
// storage. Each migrated file's checksum is recorded in a manifest, so a
// re-run after partial failure skips everything already landed.
type Runner struct {
	validator *schema.Validator
	log       *logger.Logger
	opts      Options

	// peakBatch is the largest batch actually processed, observable by
	// tests asserting the streaming bound.
	peakBatch int
}

func NewRunner(validator *schema.Validator, log *logger.Logger, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Runner{
		validator: validator,
		log:       log.With("component", "MigrationRunner"),
		opts:      opts,
	}
}

// PeakBatch reports the largest batch size seen during the last run.
func (r *Runner) PeakBatch() int { return r.peakBatch }

// Run migrates every JSON record file under the source directory. Per-file
// failures are collected into results; only unreadable directories and
// manifest write failures abort.
func (r *Runner) Run(ctx context.Context) ([]Result, Summary, error) {
	names, err := r.listSources()
	if err != nil {
		return nil, Summary{}, err
	}

	manifest, err := r.loadManifest()
	if err != nil {
		return nil, Summary{}, err
	}

	if !r.opts.DryRun {
		if err := os.MkdirAll(r.opts.TargetDir, 0o755); err != nil {
			return nil, Summary{}, fmt.Errorf("create target dir %s: %w", r.opts.TargetDir, err)
		}
	}

	var results []Result
	// Two source names can rename to one target; the second would silently
	// overwrite the first. First claimant wins, later ones fail.
	claimed := map[string]string{}
	for start := 0; start < len(names); start += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return results, summarize(results), err
		}
		end := start + r.opts.BatchSize
		if end > len(names) {
			end = len(names)
		}
		batch := names[start:end]
		if len(batch) > r.peakBatch {
			r.peakBatch = len(batch)
		}

		for _, name := range batch {
			res := r.migrateFile(name, manifest, claimed)
			results = append(results, res)
			if res.Status == StatusMigrated && !r.opts.DryRun {
				manifest[res.Target] = res.Checksum
			}
		}

		// Flushing per batch keeps a crash from forgetting a whole run.
		if !r.opts.DryRun {
			if err := r.writeManifest(manifest); err != nil {
				return results, summarize(results), err
			}
		}
	}

	summary := summarize(results)
	r.log.Info("migration complete",
		"total", summary.Total,
		"migrated", summary.Migrated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"dry_run", r.opts.DryRun,
	)
	return results, summary, nil
}

func (r *Runner) listSources() ([]string, error) {
	entries, err := os.ReadDir(r.opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("read source dir %s: %w", r.opts.SourceDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if e.Name() == manifestFileName {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runner) migrateFile(name string, manifest, claimed map[string]string) Result {
	sourcePath := filepath.Join(r.opts.SourceDir, name)
	targetName := TargetName(name)
	res := Result{Source: name, Target: targetName}

	if first, ok := claimed[targetName]; ok {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("target %s already produced by %s in this run", targetName, first)
		return res
	}
	claimed[targetName] = name

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("read %s: %w", sourcePath, err)
		return res
	}

	sum := sha256.Sum256(data)
	res.Checksum = hex.EncodeToString(sum[:])

	if prev, ok := manifest[targetName]; ok && prev == res.Checksum {
		res.Status = StatusSkipped
		return res
	}

	schemaID := SchemaFor(name)
	verr, err := r.validator.ValidateBytes(schemaID, sourcePath, data)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	if verr != nil {
		res.Status = StatusFailed
		res.Err = verr
		return res
	}

	if r.opts.DryRun {
		res.Status = StatusMigrated
		return res
	}

	targetPath := filepath.Join(r.opts.TargetDir, targetName)
	if err := os.WriteFile(targetPath, data, 0o644); err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("write %s: %w", targetPath, err)
		return res
	}
	res.Status = StatusMigrated
	r.log.Debug("migrated", "source", name, "target", targetName)
	return res
}

// TargetName maps a source file name to its stored name. Enhancer output
// files are renamed into the metadata naming convention; everything else
// keeps its name.
func TargetName(name string) string {
	if strings.HasSuffix(name, metadataSuffix) {
		return name
	}
	if strings.HasSuffix(name, enrichedSuffix) {
		return strings.TrimSuffix(name, enrichedSuffix) + metadataSuffix
	}
	return name
}

// SchemaFor selects the validation schema by file naming convention.
func SchemaFor(name string) string {
	return schema.BookSchemaForFile(name)
}

func (r *Runner) manifestPath() string {
	return filepath.Join(r.opts.TargetDir, manifestFileName)
}

func (r *Runner) loadManifest() (map[string]string, error) {
	data, err := os.ReadFile(r.manifestPath())
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest == nil {
		manifest = map[string]string{}
	}
	return manifest, nil
}

func (r *Runner) writeManifest(manifest map[string]string) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(r.manifestPath(), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, res := range results {
		switch res.Status {
		case StatusMigrated:
			s.Migrated++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
