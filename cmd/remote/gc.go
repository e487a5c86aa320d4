package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-cli/remote/internal/history"
	"github.com/remote-cli/remote/internal/progress"
	"github.com/remote-cli/remote/internal/transfer"
)

// newGCCmd builds the `transfer gc` maintenance command: it lists
// leftover manifests, removes stale ones together with their local
// staging files, and prints recent transfer history.
func newGCCmd() *cobra.Command {
	var (
		all    bool
		maxAge time.Duration
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Clean up leftover transfer manifests and staging files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := transfer.NewStore()
			if err != nil {
				return err
			}

			ids, err := store.ListAll()
			if err != nil {
				return err
			}

			var removed, kept int
			now := time.Now()
			for _, id := range ids {
				man, err := store.Load(id)
				if err != nil {
					return err
				}
				if man == nil {
					// Quarantined as corrupt during load.
					fmt.Fprintf(os.Stdout, "quarantined corrupt manifest %s\n", short(id))
					continue
				}

				age := now.Sub(man.MtimeTime())
				if updated := man.UpdatedAt; updated > 0 {
					age = now.Sub(time.Unix(int64(updated), 0))
				}

				stale := all || age > maxAge
				if !stale {
					fmt.Fprintf(os.Stdout, "keeping %s  status=%s  age=%s\n",
						short(id), man.Status, age.Round(time.Minute))
					kept++
					continue
				}

				if dryRun {
					fmt.Fprintf(os.Stdout, "would remove %s  status=%s  age=%s\n",
						short(id), man.Status, age.Round(time.Minute))
					continue
				}

				// Local staging files can be cleaned up alongside the
				// manifest; remote ones need a live session and are left
				// for the next forced transfer.
				if man.Dst.IsLocal {
					staging := transfer.StagingName(man.Dst.Path, id)
					if err := os.Remove(staging); err == nil {
						fmt.Fprintf(os.Stdout, "removed staging %s\n", staging)
					}
				}
				if err := store.Cleanup(id); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "removed manifest %s  status=%s\n", short(id), man.Status)
				removed++
			}

			fmt.Fprintf(os.Stdout, "%d manifest(s) removed, %d kept\n", removed, kept)

			printRecentHistory(store.Dir())
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "remove every manifest regardless of age")
	cmd.Flags().DurationVar(&maxAge, "age", 7*24*time.Hour, "remove manifests not updated within this duration")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be removed without deleting")

	return cmd
}

func printRecentHistory(stateDir string) {
	h, err := history.Open(stateDir)
	if err != nil {
		return
	}
	defer h.Close()

	entries, err := h.Recent(10)
	if err != nil || len(entries) == 0 {
		return
	}

	fmt.Fprintln(os.Stdout, "\nrecent transfers:")
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "  %s  %s -> %s  %s in %s\n",
			e.FinishedAt.Format("2006-01-02 15:04"),
			e.Src, e.Dst,
			progress.FormatBytes(e.Bytes),
			e.Elapsed.Round(time.Second))
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
