package cmd

import (
	"context"
	"fmt"

	"github.com/MeKo-Tech/tile3d/internal/cache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pruneCacheCmd = &cobra.Command{
	Use:   "prune-cache",
	Short: "Prune expired and least-recently-used entries from the HTTP response cache",
	RunE:  runPruneCache,
}

func init() {
	rootCmd.AddCommand(pruneCacheCmd)

	pruneCacheCmd.Flags().Int("max-items", 10000, "Maximum cache entries to retain after pruning")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"prune_cache.max_items", "max-items"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, pruneCacheCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runPruneCache(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	path := viper.GetString("cache-path")
	maxItems := viper.GetInt("prune_cache.max_items")

	store, err := cache.Open(path)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", path, err)
	}
	defer store.Close()

	logger.Info("pruning cache", "path", path, "max_items", maxItems)

	if err := store.Prune(context.Background(), maxItems); err != nil {
		return fmt.Errorf("prune: %w", err)
	}

	logger.Info("prune complete", "path", path)
	return nil
}
