// Package tools wraps the external decode/build/align/sign toolchain
// and native-library variant detection.
package tools

import (
	"context"
	"fmt"
)

// Variant is the target platform discriminator for an artifact and its
// native components.
type Variant string

// The closed set of supported variants.
const (
	VariantArm64   Variant = "arm64-v8a"
	VariantArm32   Variant = "armeabi-v7a"
	VariantUnknown Variant = ""
)

// ParseVariant validates s against the supported set.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantArm64, VariantArm32:
		return Variant(s), nil
	default:
		return VariantUnknown, fmt.Errorf("unsupported variant %q (must be %q or %q)", s, VariantArm64, VariantArm32)
	}
}

// Adapter invokes the external transforms. Every transform either
// succeeds or returns an error; there is no partial outcome.
type Adapter interface {
	// Decode unpacks the artifact at apkPath into outDir.
	Decode(ctx context.Context, apkPath, outDir string) error

	// Build repacks the unpacked tree at srcDir into outAPK (unsigned).
	Build(ctx context.Context, srcDir, outAPK string) error

	// Align produces an aligned copy of inAPK at outAPK.
	Align(ctx context.Context, inAPK, outAPK string) error

	// Sign produces a signed copy of inAPK at outAPK.
	Sign(ctx context.Context, inAPK, outAPK string) error

	// DetectVariant inspects a native library and reports its variant,
	// or VariantUnknown when the format is recognized but the machine
	// is not in the supported set.
	DetectVariant(path string) (Variant, error)
}
