package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yungbote/bookgraph/internal/derive"
	"github.com/yungbote/bookgraph/internal/migrate"
	"github.com/yungbote/bookgraph/internal/platform/envutil"
	"github.com/yungbote/bookgraph/internal/platform/logger"
	"github.com/yungbote/bookgraph/internal/platform/neo4jdb"
	"github.com/yungbote/bookgraph/internal/platform/qdrant"
	"github.com/yungbote/bookgraph/internal/schema"
	"github.com/yungbote/bookgraph/internal/seed"
	"github.com/yungbote/bookgraph/internal/taxonomy"
	"github.com/yungbote/bookgraph/internal/verify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type appFlags struct {
	verbose bool
	books   string
	repos   string
	taxDir  string
}

func (f *appFlags) logger() (*logger.Logger, error) {
	mode := envutil.Str("LOG_MODE", "prod")
	if f.verbose {
		mode = "dev"
	}
	return logger.New(mode)
}

func newRootCmd() *cobra.Command {
	flags := &appFlags{}

	root := &cobra.Command{
		Use:           "bookgraph",
		Short:         "Seed and query the book knowledge graph",
		Long:          "bookgraph validates book records, derives stable identifiers and edges, seeds Neo4j and Qdrant idempotently, and resolves taxonomy tiers at query time.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&flags.books, "books", envutil.Str("BOOKS_PATH", "data/books"), "book records directory")
	root.PersistentFlags().StringVar(&flags.repos, "repos", envutil.Str("REPOS_PATH", ""), "repository metadata directory (optional)")
	root.PersistentFlags().StringVar(&flags.taxDir, "taxonomies", envutil.Str("TAXONOMIES_PATH", "data/taxonomies"), "taxonomy definitions directory")

	root.AddCommand(
		newSeedCmd(flags),
		newMigrateCmd(flags),
		newTaxonomyCmd(flags),
		newVerifyCmd(flags),
	)
	return root
}

// loadDerivation runs the validate-then-derive front half shared by seed and
// verify. Record failures are returned, not fatal.
func loadDerivation(flags *appFlags) (*derive.Derivation, []seed.RowFailure, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, nil, err
	}
	books, bookFailures, err := seed.LoadBooks(validator, flags.books)
	if err != nil {
		return nil, nil, err
	}
	repos, repoFailures, err := seed.LoadRepositories(validator, flags.repos)
	if err != nil {
		return nil, nil, err
	}

	d, deriveFailures := derive.Derive(books, repos)
	failures := append(bookFailures, repoFailures...)
	for _, f := range deriveFailures {
		failures = append(failures, seed.RowFailure{Kind: "record", ID: f.Source, Err: f.Err})
	}
	return d, failures, nil
}

func newSeedCmd(flags *appFlags) *cobra.Command {
	var (
		dryRun      bool
		clear       bool
		graphOnly   bool
		vectorsOnly bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate local records and seed the graph and vector stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			mode := seed.ModeAdditive
			if clear {
				mode = seed.ModeClear
			}
			if dryRun {
				mode = seed.ModeDryRun
			}

			d, failures, err := loadDerivation(flags)
			if err != nil {
				return err
			}

			if !vectorsOnly {
				graphStats, err := seedGraph(cmd.Context(), log, d, mode, dryRun)
				if err != nil {
					return err
				}
				failures = append(failures, graphStats.Failures...)
				printStats("graph", graphStats.Nodes, graphStats.Edges)
			}
			if !graphOnly {
				vectorStats, err := seedVectors(cmd.Context(), log, d, mode, dryRun)
				if err != nil {
					return err
				}
				failures = append(failures, vectorStats.Failures...)
				fmt.Printf("vectors: upserted=%v skipped=%d\n", vectorStats.Upserted, vectorStats.Skipped)
			}

			return reportFailures(failures)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without writing")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove pipeline-owned data before seeding")
	cmd.Flags().BoolVar(&graphOnly, "graph-only", false, "seed only the graph store")
	cmd.Flags().BoolVar(&vectorsOnly, "vectors-only", false, "seed only the vector store")
	cmd.MarkFlagsMutuallyExclusive("graph-only", "vectors-only")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "clear")
	return cmd
}

func seedGraph(ctx context.Context, log *logger.Logger, d *derive.Derivation, mode seed.Mode, dryRun bool) (*seed.Stats, error) {
	if dryRun {
		// Dry run needs no live connection.
		plan := seed.PlanFor(d)
		stats := &seed.Stats{Mode: seed.ModeDryRun, Nodes: plan.Nodes, Edges: plan.Edges}
		return stats, nil
	}
	client, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, err
	}
	defer client.Close(ctx)
	return seed.NewGraphSeeder(client, log).Seed(ctx, d, mode)
}

func seedVectors(ctx context.Context, log *logger.Logger, d *derive.Derivation, mode seed.Mode, dryRun bool) (*seed.VectorStats, error) {
	cfg, err := qdrant.ResolveConfigFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(log, cfg)
	if err != nil {
		return nil, err
	}
	seeder := seed.NewVectorSeeder(client, log)
	if dryRun {
		mode = seed.ModeDryRun
	}
	return seeder.Seed(ctx, d, mode)
}

func newMigrateCmd(flags *appFlags) *cobra.Command {
	var (
		source    string
		target    string
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Stream upstream record files into the validated local store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			validator, err := schema.NewValidator()
			if err != nil {
				return err
			}
			if target == "" {
				target = flags.books
			}
			runner := migrate.NewRunner(validator, log, migrate.Options{
				SourceDir: source,
				TargetDir: target,
				BatchSize: batchSize,
				DryRun:    dryRun,
			})
			results, summary, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			for _, res := range results {
				if res.Status == migrate.StatusFailed {
					fmt.Printf("failed %s: %v\n", res.Source, res.Err)
				}
			}
			fmt.Printf("migrated=%d skipped=%d failed=%d total=%d\n",
				summary.Migrated, summary.Skipped, summary.Failed, summary.Total)
			if summary.Failed > 0 {
				return fmt.Errorf("%d record failure(s)", summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", envutil.Str("MIGRATION_SOURCE_PATH", "data/incoming"), "upstream source directory")
	cmd.Flags().StringVar(&target, "target", "", "target directory (defaults to --books)")
	cmd.Flags().IntVar(&batchSize, "batch-size", envutil.Int("MIGRATION_BATCH_SIZE", 50), "files per batch")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")
	return cmd
}

func newTaxonomyCmd(flags *appFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Inspect taxonomies and resolve tier classifications",
	}
	cmd.AddCommand(newTaxonomyListCmd(flags), newTaxonomyResolveCmd(flags))
	return cmd
}

func openRegistry(flags *appFlags) (*taxonomy.Registry, *logger.Logger, error) {
	log, err := flags.logger()
	if err != nil {
		return nil, nil, err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, nil, err
	}
	registry, err := taxonomy.NewRegistry(flags.taxDir, validator, log)
	if err != nil {
		return nil, nil, err
	}
	return registry, log, nil
}

func newTaxonomyListCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered taxonomies",
		RunE: func(_ *cobra.Command, _ []string) error {
			registry, log, err := openRegistry(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			summaries, err := registry.List()
			if err != nil {
				return err
			}
			for _, s := range summaries {
				marker := " "
				if s.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %-24s %-32s version=%s tiers=%d\n", marker, s.ID, s.Name, s.Version, s.TierCount)
			}
			return nil
		},
	}
}

func newTaxonomyResolveCmd(flags *appFlags) *cobra.Command {
	var (
		taxonomyID string
		maxHops    int
	)

	cmd := &cobra.Command{
		Use:   "resolve <entity-id> [entity-id...]",
		Short: "Resolve tier classifications for entity identifiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			registry, log, err := openRegistry(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			tax, err := registry.Load(taxonomyID)
			if err != nil {
				return err
			}
			for _, c := range tax.ResolveAll(args) {
				if !c.Classified {
					fmt.Printf("%s: unclassified\n", c.EntityID)
					continue
				}
				fmt.Printf("%s: tier=%d (%s) taxonomy=%s\n", c.EntityID, c.Rank, c.TierName, c.TaxonomyID)
				if maxHops <= 0 {
					continue
				}
				for _, step := range tax.Traverse(c.EntityID, taxonomyUniverse(tax), taxonomy.TraverseOptions{MaxHops: maxHops}) {
					fmt.Printf("  %s hops=%d via=%s\n", step.EntityID, step.Hops, step.Relation)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taxonomyID, "taxonomy", "", "taxonomy id (registry default when omitted)")
	cmd.Flags().IntVar(&maxHops, "max-hops", 0, "also list tier-related entities within N hops")
	return cmd
}

// taxonomyUniverse is every book the taxonomy classifies, the entity set
// overlay traversal walks.
func taxonomyUniverse(tax *taxonomy.Taxonomy) []string {
	var ids []string
	for _, tier := range tax.Tiers {
		ids = append(ids, tier.Members...)
	}
	return ids
}

func newVerifyCmd(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Reconcile live store contents against local records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := flags.logger()
			if err != nil {
				return err
			}
			defer log.Sync()

			d, failures, err := loadDerivation(flags)
			if err != nil {
				return err
			}
			if err := reportFailures(failures); err != nil {
				return err
			}

			neoClient, err := neo4jdb.NewFromEnv(log)
			if err != nil {
				return err
			}
			defer neoClient.Close(cmd.Context())

			qcfg, err := qdrant.ResolveConfigFromEnv()
			if err != nil {
				return err
			}
			qClient, err := qdrant.NewClient(log, qcfg)
			if err != nil {
				return err
			}

			chapterVectors := 0
			for _, b := range d.Books {
				for _, c := range b.Chapters {
					if len(c.Embedding) == qcfg.VectorDim {
						chapterVectors++
					}
				}
			}
			report, err := verify.NewVerifier(neoClient, qClient, log).Verify(cmd.Context(), verify.Expectation{
				Plan:           seed.PlanFor(d),
				ChapterVectors: chapterVectors,
				ConceptVectors: len(d.ConceptVectors),
			})
			if err != nil {
				return err
			}
			for _, c := range report.Checks {
				status := "ok"
				if !c.OK {
					status = "MISMATCH"
				}
				fmt.Printf("%-28s expected=%d actual=%d %s\n", c.Name, c.Expected, c.Actual, status)
			}
			if !report.Passed() {
				return fmt.Errorf("%d check(s) failed", len(report.FailedChecks()))
			}
			return nil
		},
	}
}

func printStats(name string, nodes, edges map[string]int) {
	fmt.Printf("%s: nodes=%v edges=%v\n", name, nodes, edges)
}

func reportFailures(failures []seed.RowFailure) error {
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		fmt.Printf("failed %s %s: %v\n", f.Kind, f.ID, f.Err)
	}
	return fmt.Errorf("%d record failure(s)", len(failures))
}
