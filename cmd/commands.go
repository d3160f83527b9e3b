package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/config"
	"github.com/sells-group/directory-cli/internal/enrich"
	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/planner"
	"github.com/sells-group/directory-cli/internal/store"
)

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

// -- discover --

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search for new entries in a category and locality",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		category, _ := cmd.Flags().GetString("category")
		locality, _ := cmd.Flags().GetString("locality")
		count, _ := cmd.Flags().GetInt("count")
		if category == "" || locality == "" {
			return eris.New("--category and --locality are required")
		}

		env, err := initEnv(ctx, config.ModeDiscover)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Discover.Run(ctx, planner.Target{Category: category, Locality: locality, DesiredCount: count})
		if err != nil {
			return eris.Wrap(err, "discover")
		}
		formatDiscoverResult(os.Stdout, res.Queries, len(res.Created), res.Duplicates, res.Rejected, env.Fetch.Calls())
		return nil
	},
}

// -- enrich --

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich pending entries until the backlog converges",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		flagGroups, _ := cmd.Flags().GetStringSlice("groups")
		locality, _ := cmd.Flags().GetString("locality")
		groups, err := enrichGroups(flagGroups)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, config.ModeEnrich)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Driver.Run(ctx, enrich.RunOpts{Groups: groups, Locality: locality})
		formatSummary(os.Stdout, stats.RunID(), stats.Status(), stats.Summary())
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		return nil
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many entries still need each field group",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeStatus); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		locality, _ := cmd.Flags().GetString("locality")
		ignoreCooldown, _ := cmd.Flags().GetBool("ignore-cooldown")
		counts, err := st.CountPending(ctx, pendingFilter(locality, ignoreCooldown, time.Now()))
		if err != nil {
			return eris.Wrap(err, "status")
		}
		formatPending(os.Stdout, counts)
		return nil
	},
}

// pendingFilter builds the backlog filter the driver would use for a run starting at now.
func pendingFilter(locality string, ignoreCooldown bool, now time.Time) store.PendingFilter {
	cutoff := now.Add(-time.Duration(cfg.Enrich.RetryCooldownHours) * time.Hour)
	if ignoreCooldown {
		cutoff = now
	}
	return store.PendingFilter{Groups: model.AllGroups, Cutoff: cutoff, Locality: locality}
}

func init() {
	discoverCmd.Flags().String("category", "", "category to search for (e.g. Swimming)")
	discoverCmd.Flags().String("locality", "", "locality to search in (e.g. Leeds)")
	discoverCmd.Flags().Int("count", 20, "stop once this many new entries are created (0 = exhaust all phrases)")

	enrichCmd.Flags().StringSlice("groups", nil, "field groups to enrich (pricing, schedule, category, transport)")
	enrichCmd.Flags().String("locality", "", "only enrich entries in this locality")

	statusCmd.Flags().String("locality", "", "only count entries in this locality")
	statusCmd.Flags().Bool("ignore-cooldown", false, "count recently attempted entries as pending")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(statusCmd)
}

// formatDiscoverResult writes a discovery pass summary to w.
func formatDiscoverResult(out io.Writer, queries, created, duplicates int, rejected map[string]int, calls int64) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Queries:\t%d\n", queries)
	_, _ = fmt.Fprintf(w, "Created:\t%d\n", created)
	_, _ = fmt.Fprintf(w, "Duplicates:\t%d\n", duplicates)
	for _, reason := range []string{model.RejectInvalid, model.RejectNoAddress, model.RejectWrongLocality} {
		if n := rejected[reason]; n > 0 {
			_, _ = fmt.Fprintf(w, "Rejected (%s):\t%d\n", reason, n)
		}
	}
	_, _ = fmt.Fprintf(w, "API calls:\t%d\n", calls)
	_ = w.Flush()
}

// formatSummary writes a run summary to w.
func formatSummary(out io.Writer, runID string, status model.RunStatus, s model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", truncateID(runID))
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", status)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", s.Processed)
	_, _ = fmt.Fprintf(w, "Fields updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Fields unchanged:\t%d\n", s.Unchanged)
	_, _ = fmt.Fprintf(w, "Fields skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Errored:\t%d\n", s.Errored)
	_, _ = fmt.Fprintf(w, "No match:\t%d\n", s.NoMatch)
	_, _ = fmt.Fprintf(w, "Cycles:\t%d\n", s.Cycles)
	_, _ = fmt.Fprintf(w, "API calls:\t%d\n", s.APICalls)
	_ = w.Flush()
}

// formatPending writes per-group pending counts to w in processing order.
func formatPending(out io.Writer, counts map[model.FieldGroup]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GROUP\tPENDING")
	_, _ = fmt.Fprintln(w, "-----\t-------")
	total := 0
	for _, g := range model.AllGroups {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", g, counts[g])
		total += counts[g]
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", total)
	_ = w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
