package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/litharvest/internal/harvest"
	"github.com/sells-group/litharvest/internal/ratelimit"
	"github.com/sells-group/litharvest/internal/resilience"
	"github.com/sells-group/litharvest/internal/resolver"
	"github.com/sells-group/litharvest/internal/store"
	"github.com/sells-group/litharvest/pkg/entrez"
	"github.com/sells-group/litharvest/pkg/openalex"
)

var (
	collectMaxResults     int
	collectResume         bool
	collectQueriesFile    string
	collectNoEnrich       bool
	collectNoFullText     bool
	collectAbortOnPartial bool
)

var collectCmd = &cobra.Command{
	Use:   "collect [query]",
	Short: "Harvest records for a search query",
	Long:  "Resolves the query to a PMID set, fetches metadata in rate-limited batches, enriches by DOI, and upserts into the store. Interrupt with Ctrl-C; rerun with --resume to continue from the last checkpoint.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queries, err := collectQueries(args)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		for _, q := range queries {
			maxResults := q.MaxResults
			if maxResults <= 0 {
				maxResults = collectMaxResults
			}
			if maxResults <= 0 {
				maxResults = cfg.Harvest.MaxResults
			}

			summary, err := runHarvest(ctx, st, q.Query, maxResults)
			if err != nil {
				return err
			}
			printSummary(cmd, q.Query, summary)

			if summary.Interrupted {
				fmt.Fprintln(os.Stderr, "interrupted; rerun with --resume to continue")
				return nil
			}
		}
		return nil
	},
}

// collectQuery is one entry in a --queries YAML file.
type collectQuery struct {
	Query      string `yaml:"query"`
	MaxResults int    `yaml:"max_results"`
}

func collectQueries(args []string) ([]collectQuery, error) {
	if collectQueriesFile != "" {
		data, err := os.ReadFile(collectQueriesFile)
		if err != nil {
			return nil, eris.Wrap(err, "read queries file")
		}
		var parsed struct {
			Queries []collectQuery `yaml:"queries"`
		}
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, eris.Wrap(err, "parse queries file")
		}
		if len(parsed.Queries) == 0 {
			return nil, eris.Errorf("no queries in %s", collectQueriesFile)
		}
		return parsed.Queries, nil
	}
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return nil, eris.New("provide a query argument or --queries file")
	}
	return []collectQuery{{Query: args[0]}}, nil
}

// runHarvest assembles the pipeline for one query and runs it.
func runHarvest(ctx context.Context, st store.Store, query string, maxResults int) (*harvest.Summary, error) {
	retryCfg := resilience.FromRetryConfig(
		cfg.Harvest.Retry.MaxAttempts,
		cfg.Harvest.Retry.InitialBackoffMs,
		cfg.Harvest.Retry.MaxBackoffMs,
		cfg.Harvest.Retry.Multiplier,
		cfg.Harvest.Retry.JitterFraction,
	)
	retryCfg.OnRetry = resilience.RetryLogger("harvest", "outbound request")

	var identities []ratelimit.Identity
	for i, key := range cfg.PubMed.APIKeys {
		identities = append(identities, ratelimit.Identity{
			Name:   fmt.Sprintf("ncbi-key-%d", i+1),
			APIKey: key,
		})
	}
	pubmedLimiter := ratelimit.New("pubmed",
		rate.Limit(cfg.PubMed.RequestsPerSecond), cfg.PubMed.Burst, identities)
	openalexLimiter := ratelimit.New("openalex",
		rate.Limit(cfg.OpenAlex.RequestsPerSecond), cfg.OpenAlex.Burst, nil)

	entrezClient := entrez.NewClient("",
		entrez.WithBaseURL(cfg.PubMed.BaseURL),
		entrez.WithTool(cfg.PubMed.Tool, cfg.PubMed.Email),
	)

	res := resolver.New(entrezClient, pubmedLimiter, retryCfg, cfg.PubMed.SearchPageSize)
	fetcher := harvest.NewFetcher(entrezClient, pubmedLimiter, retryCfg,
		cfg.Harvest.Concurrency, cfg.Harvest.FullText && !collectNoFullText)

	var enricher *harvest.Enricher
	enrich := cfg.OpenAlex.Enabled && !collectNoEnrich
	if enrich {
		oaClient := openalex.NewClient(cfg.OpenAlex.Mailto,
			openalex.WithBaseURL(cfg.OpenAlex.BaseURL))
		breaker := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
			cfg.OpenAlex.CircuitFailureThreshold, cfg.OpenAlex.CircuitResetSecs))
		enricher = harvest.NewEnricher(oaClient, openalexLimiter, retryCfg,
			breaker, cfg.OpenAlex.BatchSize, cfg.Harvest.EnrichConcurrency)
	}

	cp := harvest.NewCheckpointManager(checkpointPathFor(query))
	coord := harvest.NewCoordinator(res, fetcher, enricher, cp, st, harvest.Config{
		FetchBatchSize:    cfg.PubMed.FetchBatchSize,
		CheckpointEvery:   cfg.Harvest.CheckpointEvery,
		AbortOnPartial:    collectAbortOnPartial,
		EnrichmentEnabled: enrich,
	})

	zap.L().Info("starting harvest",
		zap.String("query", query),
		zap.Int("max_results", maxResults),
		zap.Bool("resume", collectResume),
		zap.Int("identities", pubmedLimiter.Identities()),
	)
	return coord.Run(ctx, query, maxResults, collectResume)
}

// checkpointPathFor gives each query its own checkpoint file so
// interleaved collections never clobber each other's progress.
func checkpointPathFor(query string) string {
	base := cfg.Harvest.CheckpointPath
	ext := filepath.Ext(base)
	h := fnv.New32a()
	h.Write([]byte(query)) //nolint:errcheck
	return fmt.Sprintf("%s.%08x%s", strings.TrimSuffix(base, ext), h.Sum32(), ext)
}

func printSummary(cmd *cobra.Command, query string, s *harvest.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Query:\t%s\n", query)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.State.RunID)
	_, _ = fmt.Fprintf(w, "Phase:\t%s\n", s.State.Phase)
	_, _ = fmt.Fprintf(w, "Found:\t%d (service reported %d)\n", s.State.Counts.Found, s.State.TotalFound)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", s.State.Counts.Processed)
	_, _ = fmt.Fprintf(w, "With full text:\t%d\n", s.State.Counts.WithFullText)
	_, _ = fmt.Fprintf(w, "With enrichment:\t%d\n", s.State.Counts.WithEnrichment)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.State.Counts.Failed)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.State.Duration().Round(time.Second))
	if s.Partial {
		_, _ = fmt.Fprintln(w, "Note:\tidentifier resolution was partial")
	}
	if s.Resumed {
		_, _ = fmt.Fprintln(w, "Note:\tresumed from checkpoint")
	}
	_ = w.Flush()
}

func init() {
	collectCmd.Flags().IntVar(&collectMaxResults, "max-results", 0, "cap on identifiers to harvest (default from config)")
	collectCmd.Flags().BoolVar(&collectResume, "resume", false, "resume from the query's last checkpoint")
	collectCmd.Flags().StringVar(&collectQueriesFile, "queries", "", "YAML file listing queries to harvest in sequence")
	collectCmd.Flags().BoolVar(&collectNoEnrich, "no-enrich", false, "skip OpenAlex citation enrichment")
	collectCmd.Flags().BoolVar(&collectNoFullText, "no-full-text", false, "skip PMC full-text retrieval")
	collectCmd.Flags().BoolVar(&collectAbortOnPartial, "abort-on-partial", false, "fail instead of harvesting a partially resolved identifier set")
	rootCmd.AddCommand(collectCmd)
}
