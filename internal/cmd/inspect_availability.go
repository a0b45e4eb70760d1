package cmd

import (
	"fmt"
	"os"

	"github.com/MeKo-Tech/tile3d/internal/availability"
	"github.com/MeKo-Tech/tile3d/internal/geom"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var inspectAvailabilityCmd = &cobra.Command{
	Use:   "inspect-availability",
	Short: "Report computeAvailability flags for a tile against a root subtree file",
	RunE:  runInspectAvailability,
}

func init() {
	rootCmd.AddCommand(inspectAvailabilityCmd)

	inspectAvailabilityCmd.Flags().String("subtree-file", "", "Path to a root subtree JSON file (required)")
	inspectAvailabilityCmd.Flags().Uint32("level", 0, "Tile level to query")
	inspectAvailabilityCmd.Flags().Uint32("x", 0, "Tile x coordinate to query")
	inspectAvailabilityCmd.Flags().Uint32("y", 0, "Tile y coordinate to query")
	inspectAvailabilityCmd.Flags().Uint32("subtree-levels", 4, "Fixed depth of each subtree block")
	inspectAvailabilityCmd.Flags().Uint32("max-level", 22, "Maximum level the index will answer queries for")

	bindFlags := []struct {
		key  string
		flag string
	}{
		{"inspect_availability.subtree_file", "subtree-file"},
		{"inspect_availability.level", "level"},
		{"inspect_availability.x", "x"},
		{"inspect_availability.y", "y"},
		{"inspect_availability.subtree_levels", "subtree-levels"},
		{"inspect_availability.max_level", "max-level"},
	}

	for _, bf := range bindFlags {
		if err := viper.BindPFlag(bf.key, inspectAvailabilityCmd.Flags().Lookup(bf.flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", bf.flag, err))
		}
	}
}

func runInspectAvailability(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	path := viper.GetString("inspect_availability.subtree_file")
	if path == "" {
		return fmt.Errorf("--subtree-file is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read subtree file: %w", err)
	}

	subtree, err := availability.LoadSubtreeJSON(data)
	if err != nil {
		return err
	}

	idx := availability.New(
		viper.GetUint32("inspect_availability.subtree_levels"),
		viper.GetUint32("inspect_availability.max_level"),
	)

	root := geom.QuadtreeTileID{Level: 0, X: 0, Y: 0}
	if !idx.AddSubtree(root, subtree) {
		return fmt.Errorf("failed to attach root subtree from %s", path)
	}

	id := geom.QuadtreeTileID{
		Level: viper.GetUint32("inspect_availability.level"),
		X:     viper.GetUint32("inspect_availability.x"),
		Y:     viper.GetUint32("inspect_availability.y"),
	}

	flags := idx.ComputeAvailability(id)
	logger.Info("computeAvailability",
		"tile", fmt.Sprintf("%d/%d/%d", id.Level, id.X, id.Y),
		"reachable", flags.Has(availability.FlagReachable),
		"tile_available", flags.Has(availability.FlagTileAvailable),
		"content_available", flags.Has(availability.FlagContentAvailable),
		"subtree_available", flags.Has(availability.FlagSubtreeAvailable),
		"subtree_loaded", flags.Has(availability.FlagSubtreeLoaded),
	)
	return nil
}
