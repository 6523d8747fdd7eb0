package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <keep-id> <remove-id>",
	Short: "Merge two places, keeping the first",
	Long:  "Migrates every name, identifier, attribute record, pin, hierarchy edge and alias from the removed place onto the keeper in one transaction. The removed id is never reused.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "parse keep id %q", args[0])
		}
		removeID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "parse remove id %q", args[1])
		}

		env, initErr := initEnv(cmd.Context())
		if initErr != nil {
			return initErr
		}
		defer env.Close()

		if err := env.Store.MergePlaces(cmd.Context(), keepID, removeID); err != nil {
			return err
		}
		// Migrated attribute rows lose their preferred flags in the merge
		// transaction; recompute them for the keeper.
		if err := env.Attrs.ReevaluatePlace(cmd.Context(), keepID); err != nil {
			return err
		}
		zap.L().Info("places merged", zap.Int64("keep", keepID), zap.Int64("removed", removeID))
		fmt.Printf("merged %d into %d\n", removeID, keepID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
