package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/gazetteer/internal/place"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Store.ListPlaceIDs(ctx)
		if err != nil {
			return err
		}
		openIdent, err := env.Store.ListConflicts(ctx, place.ConflictIdentifier, false)
		if err != nil {
			return err
		}
		openWeak, err := env.Store.ListConflicts(ctx, place.ConflictWeakMatch, false)
		if err != nil {
			return err
		}
		aliases, err := env.Store.ListAliases(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("places:                %d\n", len(ids))
		fmt.Printf("aliases:               %d\n", len(aliases))
		fmt.Printf("open id conflicts:     %d\n", len(openIdent))
		fmt.Printf("open weak-match flags: %d\n", len(openWeak))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
