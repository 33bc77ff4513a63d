package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/loyalty-engine/scenario"
)

var seedFile string

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Load a scenario YAML file instead of a built-in one")
}

var seedCmd = &cobra.Command{
	Use:   "seed [SCENARIO]",
	Short: "Reset the database and load a scenario",
	Long: `Reset the database and load a scenario. Without arguments the built-in
"demo" scenario is loaded; --file loads a YAML scenario from disk.
Built-in scenarios: demo, quarantine.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	var s *scenario.Scenario
	var err error
	switch {
	case seedFile != "":
		s, err = scenario.LoadFile(seedFile)
	case len(args) == 1:
		s, err = scenario.Lookup(args[0])
	default:
		s, err = scenario.Lookup("demo")
	}
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := s.Apply(cmd.Context(), a.engine, time.Now())
	if err != nil {
		return fmt.Errorf("seed %s: %w", s.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded %q: %d users, %d promotions, %d events, %d transactions\n",
		s.ID, sum.Users, sum.Promotions, sum.Events, sum.Transactions)
	return nil
}
