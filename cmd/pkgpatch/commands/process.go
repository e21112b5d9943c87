package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pkgpatch/pkgpatch/internal/config"
	"github.com/pkgpatch/pkgpatch/pkg/digest"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
	"github.com/pkgpatch/pkgpatch/pkg/pipeline"
	"github.com/pkgpatch/pkgpatch/pkg/task"
	"github.com/pkgpatch/pkgpatch/pkg/tools"
)

var (
	processVariant string
	processPkgName string
)

var processCmd = &cobra.Command{
	Use:   "process <apk-path> <components-json>",
	Short: "Run the replacement pipeline once for a local APK",
	Long: `Runs the full pipeline synchronously for a local APK.
The components argument is a JSON object mapping component file names
to the URLs their replacements are fetched from, for example:
  '{"libgame.so": "https://example.com/libgame.so"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVar(&processVariant, "variant", string(tools.VariantArm64), "Target variant (arm64-v8a or armeabi-v7a)")
	processCmd.Flags().StringVar(&processPkgName, "pkg-name", "", "Package name hint for the working directory")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	apkPath := args[0]

	variant, err := tools.ParseVariant(processVariant)
	if err != nil {
		return err
	}

	var components map[string]string
	if err := json.Unmarshal([]byte(args[1]), &components); err != nil {
		return errors.Wrap(err, "components must be a JSON object of name to URL")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	inputHash, err := digest.File(apkPath)
	if err != nil {
		return errors.Wrap(err, "failed to digest input")
	}

	t := c.registry.Create(processPkgName, filepath.Base(apkPath), string(variant), inputHash)
	slog.Info("process_started", "task_id", t.ID, "input_hash", inputHash, "variant", variant)

	runErr := c.runner.Run(ctx, &pipeline.ProcessRequest{
		TaskID:       t.ID,
		ArtifactPath: apkPath,
		InputHash:    inputHash,
		PkgName:      processPkgName,
		Variant:      string(variant),
		Components:   components,
	})

	result, _ := c.registry.Get(t.ID)
	switch result.Status {
	case task.StatusComplete:
		fmt.Printf("COMPLETE  output=%s  sha256=%s  duration=%.2fs\n",
			result.OutputPath, result.OutputHash, result.DurationSeconds)
		return nil
	case task.StatusFailed:
		return fmt.Errorf("task failed: %s", result.FailureReason)
	default:
		return errors.Wrap(runErr, "pipeline did not reach a terminal state")
	}
}
