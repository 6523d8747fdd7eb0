package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	conflictsKind     string
	conflictsResolved bool
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List parked conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		conflicts, err := env.Store.ListConflicts(cmd.Context(), conflictsKind, conflictsResolved)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		for _, c := range conflicts {
			status := "open"
			if c.ResolvedAt != nil {
				status = "resolved " + c.ResolvedAt.Format("2006-01-02")
			}
			fmt.Printf("%s  [%s/%s]  place=%d", c.ID, c.Kind, status, c.PlaceID)
			if c.OtherPlaceID != 0 {
				fmt.Printf(" other=%d", c.OtherPlaceID)
			}
			if c.ExternalID != "" {
				fmt.Printf("  %s:%s", c.Source, c.ExternalID)
			}
			if c.Detail != "" {
				fmt.Printf("  %s", c.Detail)
			}
			fmt.Println()
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Mark a conflict resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.ResolveConflict(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("resolved %s\n", args[0])
		return nil
	},
}

func init() {
	conflictsCmd.Flags().StringVar(&conflictsKind, "kind", "", "filter by kind (identifier, weak_match)")
	conflictsCmd.Flags().BoolVar(&conflictsResolved, "resolved", false, "include resolved conflicts")
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
