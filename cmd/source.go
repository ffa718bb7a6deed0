package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	pauseReason string
	pauseHours  int
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Operate on a tracked source",
}

var sourcePauseCmd = &cobra.Command{
	Use:   "pause <slug>",
	Short: "Manually pause a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if pauseReason == "" {
			return eris.New("--reason is required")
		}

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		d := time.Duration(pauseHours) * time.Hour
		if err := env.Tracker.Pause(ctx, args[0], pauseReason, d, true); err != nil {
			return eris.Wrapf(err, "pause %s", args[0])
		}

		if pauseHours > 0 {
			fmt.Printf("Paused %s for %dh: %s\n", args[0], pauseHours, pauseReason)
		} else {
			fmt.Printf("Paused %s indefinitely: %s\n", args[0], pauseReason)
		}
		return nil
	},
}

var sourceUnpauseCmd = &cobra.Command{
	Use:   "unpause <slug>",
	Short: "Manually unpause a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Tracker.Unpause(ctx, args[0], true); err != nil {
			return eris.Wrapf(err, "unpause %s", args[0])
		}

		fmt.Printf("Unpaused %s\n", args[0])
		return nil
	},
}

// sourceRegistry is the seed file format: the sources the deployment is
// expected to track, with optional pre-emptive pauses.
type sourceRegistry struct {
	Sources []struct {
		Slug        string `yaml:"slug"`
		Paused      bool   `yaml:"paused"`
		PauseReason string `yaml:"pause_reason"`
		PauseHours  int    `yaml:"pause_hours"`
	} `yaml:"sources"`
}

var sourceSeedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Register sources from a YAML registry file",
	Long: `Seed creates a health row for every source listed in the registry, so
status and the admin API show expected sources before their first outcome.
Sources marked paused in the registry are paused on creation. Existing rows
are left untouched except for the pause flag.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read registry %s", args[0])
		}
		var reg sourceRegistry
		if err := yaml.Unmarshal(raw, &reg); err != nil {
			return eris.Wrapf(err, "parse registry %s", args[0])
		}
		if len(reg.Sources) == 0 {
			return eris.Errorf("registry %s lists no sources", args[0])
		}

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, src := range reg.Sources {
			if src.Slug == "" {
				return eris.Errorf("registry %s: entry without a slug", args[0])
			}
			// Snapshot creates the row with the neutral starting policy.
			if _, err := env.Tracker.Snapshot(ctx, src.Slug); err != nil {
				return eris.Wrapf(err, "seed %s", src.Slug)
			}
			if src.Paused {
				reason := src.PauseReason
				if reason == "" {
					reason = "paused at seed time"
				}
				d := time.Duration(src.PauseHours) * time.Hour
				if err := env.Tracker.Pause(ctx, src.Slug, reason, d, true); err != nil {
					return eris.Wrapf(err, "seed pause %s", src.Slug)
				}
			}
		}

		fmt.Printf("Seeded %d sources from %s\n", len(reg.Sources), args[0])
		return nil
	},
}

func init() {
	sourcePauseCmd.Flags().StringVar(&pauseReason, "reason", "", "why the source is being paused (required)")
	sourcePauseCmd.Flags().IntVar(&pauseHours, "hours", 0, "pause duration in hours (0 = until unpaused)")
	sourceCmd.AddCommand(sourcePauseCmd)
	sourceCmd.AddCommand(sourceUnpauseCmd)
	sourceCmd.AddCommand(sourceSeedCmd)
	rootCmd.AddCommand(sourceCmd)
}
