package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/superfly/fsm"

	"github.com/pkgpatch/pkgpatch/internal/config"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/fetch"
	"github.com/pkgpatch/pkgpatch/pkg/index"
	"github.com/pkgpatch/pkgpatch/pkg/pipeline"
	"github.com/pkgpatch/pkgpatch/pkg/store"
	"github.com/pkgpatch/pkgpatch/pkg/task"
	"github.com/pkgpatch/pkgpatch/pkg/tools"
)

// ensureDirectories creates every directory the service writes to.
func ensureDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.UploadDir(),
		cfg.ProcessedDir(),
		cfg.TempDir(),
		filepath.Dir(cfg.SQLitePath),
		filepath.Dir(cfg.IndexPath),
		filepath.Dir(cfg.FSMDBPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}
	return nil
}

// core bundles the wired components shared by serve and process.
type core struct {
	registry  *task.Registry
	index     *index.Index
	artifacts *store.Repository
	runner    *pipeline.Runner
	manager   *fsm.Manager
}

func (c *core) close() {
	c.manager.Shutdown(10 * time.Second)
	c.artifacts.Close()
	c.registry.Close()
}

// buildCore wires the registry, index, stores, collaborators, and
// pipeline in the dependency order the components need.
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	if err := ensureDirectories(cfg); err != nil {
		return nil, err
	}

	registry := task.NewRegistry(cfg.TaskTTL)

	ix, err := index.Open(cfg.IndexPath)
	if err != nil {
		return nil, errors.Wrap(err, "index load failed")
	}

	artifacts, err := store.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "artifact db init failed")
	}

	fetcher, err := fetch.NewClient(ctx, cfg.S3Region, cfg.FetchTimeout)
	if err != nil {
		artifacts.Close()
		return nil, errors.Wrap(err, "fetcher init failed")
	}

	adapter := tools.NewExecAdapter(tools.ExecConfig{
		Apktool:   cfg.Apktool,
		Zipalign:  cfg.Zipalign,
		Apksigner: cfg.Apksigner,
		Keytool:   cfg.Keytool,
		Timeout:   cfg.ToolTimeout,
		Keystore: tools.KeystoreConfig{
			Path:      cfg.KeystorePath,
			Alias:     cfg.KeystoreAlias,
			StorePass: cfg.KeystorePass,
			KeyPass:   cfg.KeystorePass,
		},
	})

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		artifacts.Close()
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	machine := pipeline.NewMachine(registry, ix, fetcher, adapter,
		cfg.TempDir(), cfg.ProcessedDir(), cfg.PkgNamePaths, cfg.MaxRetries)

	runner, err := pipeline.NewRunner(ctx, machine, manager)
	if err != nil {
		manager.Shutdown(10 * time.Second)
		artifacts.Close()
		return nil, errors.Wrap(err, "FSM register failed")
	}

	return &core{
		registry:  registry,
		index:     ix,
		artifacts: artifacts,
		runner:    runner,
		manager:   manager,
	}, nil
}
