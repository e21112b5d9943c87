package tools

import (
	"debug/elf"
	"log/slog"

	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// DetectVariant reads the ELF header of the native library at path and
// maps its machine type onto a supported variant. A readable ELF with a
// machine outside the supported set reports VariantUnknown without
// error; a file that is not valid ELF is an error.
func (a *ExecAdapter) DetectVariant(path string) (Variant, error) {
	return detectELFVariant(path)
}

func detectELFVariant(path string) (Variant, error) {
	f, err := elf.Open(path)
	if err != nil {
		slog.Error("elf_open_failed", "path", path, "error", err)
		return VariantUnknown, errors.Wrap(err, "failed to parse ELF header")
	}
	defer f.Close()

	switch f.Machine {
	case elf.EM_AARCH64:
		return VariantArm64, nil
	case elf.EM_ARM:
		return VariantArm32, nil
	default:
		slog.Warn("elf_machine_unsupported", "path", path, "machine", f.Machine.String())
		return VariantUnknown, nil
	}
}
