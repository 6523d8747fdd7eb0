package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the lookup index and report its shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Index.Build(cmd.Context()); err != nil {
			return err
		}

		stats := env.Index.Stats()
		fmt.Printf("places:  %d\n", stats.PlaceCount)
		fmt.Printf("names:   %d\n", stats.NameCount)
		fmt.Printf("slugs:   %d\n", stats.SlugCount)
		fmt.Printf("aliases: %d\n", stats.AliasCount)
		fmt.Printf("took:    %dms\n", stats.LastBuildDurationMs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
