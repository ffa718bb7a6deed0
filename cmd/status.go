package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fiskala/regtruth/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show source health and budget state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Tracker.List(ctx)
		if err != nil {
			return eris.Wrap(err, "list source health")
		}

		state := env.Ledger.Snapshot()
		fmt.Printf("Budget day %s  circuit %s  global %d used / %d reserved\n\n",
			state.Day, state.Circuit, state.GlobalTokensUsed, state.GlobalTokensReserved)

		if len(rows) == 0 {
			fmt.Println("No sources tracked yet.")
			return nil
		}

		formatSourceRows(os.Stdout, rows, state)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// formatSourceRows writes a tabular representation of source health to w.
func formatSourceRows(out io.Writer, rows []model.SourceHealth, state model.BudgetState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATE\tSCORE\tCLOUD\tMULT\tUSED\tPAUSED\tCOOLDOWN")
	_, _ = fmt.Fprintln(w, "------\t-----\t-----\t-----\t----\t----\t------\t--------")

	now := time.Now().UTC()
	for _, r := range rows {
		paused := "-"
		if r.IsPaused {
			paused = r.PauseReason
		}
		cooldown := "-"
		if until, ok := state.Cooldowns[r.SourceSlug]; ok && until.After(now) {
			cooldown = time.Until(until).Round(time.Minute).String()
		}
		cloud := "no"
		if r.AllowCloud {
			cloud = "yes"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%.2f\t%d\t%s\t%s\n",
			r.SourceSlug,
			r.HealthState,
			r.HealthScore,
			cloud,
			r.BudgetMultiplier,
			state.SourceTokensUsed[r.SourceSlug],
			paused,
			cooldown,
		)
	}
	_ = w.Flush()
}
