package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pkgpatch/pkgpatch/internal/config"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/index"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "List content index records and their task history",
	RunE:  runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	ix, err := index.Open(cfg.IndexPath)
	if err != nil {
		return errors.Wrap(err, "index load failed")
	}

	records := ix.Records()
	if len(records) == 0 {
		fmt.Println("No index records found")
		return nil
	}

	hashes := make([]string, 0, len(records))
	for hash := range records {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	for _, hash := range hashes {
		rec := records[hash]
		fmt.Printf("%s  derived=%d  history=%d\n", rec.OriginalHash, len(rec.DerivedHashes), len(rec.History))
		for _, e := range rec.History {
			fmt.Printf("  %-12s %-36s %s -> %s\n",
				e.Variant, e.TaskID, e.Timestamp.Format("2006-01-02 15:04:05"), e.DerivedHash)
		}
	}

	return nil
}
