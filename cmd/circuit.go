package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fiskala/regtruth/internal/model"
)

var circuitCmd = &cobra.Command{
	Use:   "circuit",
	Short: "Inspect or close the admission circuit",
}

var circuitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the admission circuit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		state := env.Ledger.Snapshot()
		fmt.Printf("Circuit: %s\n", state.Circuit)
		if state.Circuit == model.CircuitOpen {
			fmt.Printf("Reason:  %s\nOpened:  %s\n", state.CircuitReason,
				state.CircuitOpenedAt.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

var circuitCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the admission circuit after resolving the credential or quota problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initGovernance(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Ledger.CloseCircuit(ctx)
		fmt.Printf("Circuit: %s\n", env.Ledger.CircuitState())
		return nil
	},
}

func init() {
	circuitCmd.AddCommand(circuitStatusCmd)
	circuitCmd.AddCommand(circuitCloseCmd)
	rootCmd.AddCommand(circuitCmd)
}
