package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Reconcile the index with the workspace once and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rootArg(args); err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.ensureFormat(ctx); err != nil {
			return err
		}

		idx, err := a.indexer()
		if err != nil {
			return err
		}

		fmt.Printf("Indexing %s...\n", cfg.Workspace.Root)
		start := time.Now()
		stats, err := idx.Index(ctx)
		elapsed := time.Since(start)

		r := stats.LastScan
		fmt.Printf("\nDone in %s\n", elapsed.Round(time.Millisecond))
		fmt.Printf("  Scan:    %d seen, %d discovered, %d modified, %d deleted, %d backfilled\n",
			r.Seen, r.Discovered, r.Modified, r.Deleted, r.Backfilled)
		fmt.Printf("  Files:   %d indexed, %d removed\n", stats.FilesIndexed, stats.FilesDeleted)
		fmt.Printf("  Chunks:  %d written\n", stats.ChunksWritten)
		return err
	},
}

func init() {
	indexCmd.Flags().IntVar(&flagWorkers, "workers", 0, "parallel workers per stage (default from config)")
	indexCmd.PreRun = applyWorkers
	rootCmd.AddCommand(indexCmd)
}
