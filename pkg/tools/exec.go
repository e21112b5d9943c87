package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// KeystoreConfig locates the signing keystore. When the keystore file
// does not exist it is generated once with keytool.
type KeystoreConfig struct {
	Path      string
	Alias     string
	StorePass string
	KeyPass   string
}

// ExecConfig names the external binaries and bounds their run time.
type ExecConfig struct {
	Apktool   string
	Zipalign  string
	Apksigner string
	Keytool   string
	Keystore  KeystoreConfig
	Timeout   time.Duration
}

// ExecAdapter implements Adapter by shelling out to the Android
// toolchain.
type ExecAdapter struct {
	cfg ExecConfig

	ksOnce sync.Once
	ksErr  error
}

// NewExecAdapter creates an adapter from cfg, filling in default binary
// names for any left empty.
func NewExecAdapter(cfg ExecConfig) *ExecAdapter {
	if cfg.Apktool == "" {
		cfg.Apktool = "apktool"
	}
	if cfg.Zipalign == "" {
		cfg.Zipalign = "zipalign"
	}
	if cfg.Apksigner == "" {
		cfg.Apksigner = "apksigner"
	}
	if cfg.Keytool == "" {
		cfg.Keytool = "keytool"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &ExecAdapter{cfg: cfg}
}

// Decode unpacks the artifact with apktool. Resources are left encoded
// and sources are not disassembled; only the file tree is needed for
// component replacement.
func (a *ExecAdapter) Decode(ctx context.Context, apkPath, outDir string) error {
	return a.run(ctx, "apktool_decode", a.cfg.Apktool,
		"d", "-r", "-s", apkPath, "-o", outDir, "-f")
}

// Build repacks the unpacked tree with apktool.
func (a *ExecAdapter) Build(ctx context.Context, srcDir, outAPK string) error {
	return a.run(ctx, "apktool_build", a.cfg.Apktool,
		"b", srcDir, "-o", outAPK)
}

// Align runs zipalign over the rebuilt artifact.
func (a *ExecAdapter) Align(ctx context.Context, inAPK, outAPK string) error {
	return a.run(ctx, "zipalign", a.cfg.Zipalign,
		"-f", "4", inAPK, outAPK)
}

// Sign signs the aligned artifact with apksigner, generating a
// throwaway keystore on first use when none exists.
func (a *ExecAdapter) Sign(ctx context.Context, inAPK, outAPK string) error {
	if err := a.ensureKeystore(ctx); err != nil {
		return err
	}

	return a.run(ctx, "apksigner", a.cfg.Apksigner,
		"sign",
		"--ks", a.cfg.Keystore.Path,
		"--ks-key-alias", a.cfg.Keystore.Alias,
		"--ks-pass", "pass:"+a.cfg.Keystore.StorePass,
		"--key-pass", "pass:"+a.cfg.Keystore.KeyPass,
		"--in", inAPK,
		"--out", outAPK)
}

func (a *ExecAdapter) ensureKeystore(ctx context.Context) error {
	a.ksOnce.Do(func() {
		if _, err := os.Stat(a.cfg.Keystore.Path); err == nil {
			return
		}

		slog.Info("keystore_generate", "path", a.cfg.Keystore.Path, "alias", a.cfg.Keystore.Alias)
		a.ksErr = a.run(ctx, "keytool_genkey", a.cfg.Keytool,
			"-genkey", "-v",
			"-keystore", a.cfg.Keystore.Path,
			"-alias", a.cfg.Keystore.Alias,
			"-keyalg", "RSA",
			"-keysize", "2048",
			"-validity", "10000",
			"-storepass", a.cfg.Keystore.StorePass,
			"-keypass", a.cfg.Keystore.KeyPass,
			"-dname", "CN=pkgpatch, OU=pkgpatch, O=pkgpatch, C=US")
	})
	return errors.Wrap(a.ksErr, "failed to generate keystore")
}

// run executes one external tool invocation under the configured
// timeout, capturing stderr for the failure message.
func (a *ExecAdapter) run(ctx context.Context, op, bin string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	slog.Info("tool_exec", "op", op, "bin", bin)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		msg := stderrTail(stderr.Bytes())
		slog.Error("tool_exec_failed", "op", op, "bin", bin, "elapsed", elapsed, "error", err, "stderr", msg)
		if msg != "" {
			return fmt.Errorf("%s failed: %v: %s", op, err, msg)
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}

	slog.Info("tool_exec_complete", "op", op, "elapsed", elapsed)
	return nil
}

// stderrTail keeps failure messages bounded; external tools can be
// extremely chatty on stderr.
func stderrTail(b []byte) string {
	const max = 512
	b = bytes.TrimSpace(b)
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
