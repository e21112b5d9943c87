package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgpatch/pkgpatch/internal/config"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/store"
)

var (
	cleanupAll      bool
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up working areas and orphaned uploads",
	Long: `Clean up disk space used by the service:
  --all        Remove every per-task working area
  --orphaned   Remove uploads not tracked in the artifact database and
               processed outputs no longer referenced by the index`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all working areas")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove orphaned uploads and outputs")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	switch {
	case cleanupAll:
		return cleanupWorkAreas(cfg)
	case cleanupOrphaned:
		return cleanupOrphanedFiles(cfg)
	default:
		return fmt.Errorf("must specify --all or --orphaned")
	}
}

// cleanupWorkAreas removes every per-task working directory. Working
// areas are only read by in-flight executions, so this is for use on a
// quiesced service.
func cleanupWorkAreas(cfg *config.Config) error {
	entries, err := os.ReadDir(cfg.TempDir())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No working areas found")
			return nil
		}
		return errors.Wrap(err, "failed to read temp dir")
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(cfg.TempDir(), entry.Name())
		if err := os.RemoveAll(path); err != nil {
			fmt.Printf("failed to remove %s: %v\n", entry.Name(), err)
			continue
		}
		removed++
	}

	fmt.Printf("Removed %d working areas\n", removed)
	return nil
}

// cleanupOrphanedFiles removes uploads whose hash is not in the
// artifact database and processed outputs not referenced by any
// retained index history entry.
func cleanupOrphanedFiles(cfg *config.Config) error {
	artifacts, err := store.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "artifact db init failed")
	}
	defer artifacts.Close()

	ix, err := index.Open(cfg.IndexPath)
	if err != nil {
		return errors.Wrap(err, "index load failed")
	}

	orphans := 0

	// Uploads are named <hash>_<filename>; anything not tracked in the
	// artifact database is an orphan.
	if entries, err := os.ReadDir(cfg.UploadDir()); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			hash, _, ok := strings.Cut(entry.Name(), "_")
			if ok {
				if art, err := artifacts.GetByHash(hash); err == nil && art != nil {
					continue
				}
			}
			path := filepath.Join(cfg.UploadDir(), entry.Name())
			if err := os.Remove(path); err != nil {
				fmt.Printf("failed to remove orphaned upload %s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Printf("removed orphaned upload: %s\n", entry.Name())
			orphans++
		}
	}

	// Outputs referenced by retained history stay; evicted history
	// entries leave their outputs orphaned here.
	referenced := make(map[string]bool)
	for _, rec := range ix.Records() {
		for _, e := range rec.History {
			referenced[filepath.Base(e.OutputPath)] = true
		}
	}

	if entries, err := os.ReadDir(cfg.ProcessedDir()); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || referenced[entry.Name()] {
				continue
			}
			path := filepath.Join(cfg.ProcessedDir(), entry.Name())
			if err := os.Remove(path); err != nil {
				fmt.Printf("failed to remove orphaned output %s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Printf("removed orphaned output: %s\n", entry.Name())
			orphans++
		}
	}

	fmt.Printf("Removed %d orphaned files\n", orphans)
	return nil
}
