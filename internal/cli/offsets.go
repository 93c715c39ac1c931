package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/cache"
)

func init() {
	rootCmd.AddCommand(offsetsCmd)
	offsetsCmd.AddCommand(offsetsStatsCmd, offsetsClearCmd)
}

var offsetsCmd = &cobra.Command{
	Use:   "offsets",
	Short: "Manage the shared DATE_SHIFT offset store in Redis",
}

var offsetsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show offset store usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openOffsets()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var offsetsClearCmd = &cobra.Command{
	Use:   "clear <scope>",
	Short: "Forget every date offset stored for a scope",
	Long: "Clearing a scope means later runs in that scope draw new offsets, so dates " +
		"shifted before and after the clear are no longer comparable.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openOffsets()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.ClearScope(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d offsets from scope %s\n", n, args[0])
		return nil
	},
}

func openOffsets() (*cache.OffsetStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenOffsetStore(cfg.Redis, zap.NewNop())
}
