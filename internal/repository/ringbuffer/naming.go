package ringbuffer

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oshokin/abacus-daq/internal/domain/abacus"
)

// DataExtension is the default data file extension.
const DataExtension = ".dat"

// SupportedExtensions lists the data file extensions the buffer writes.
//
//nolint:gochecknoglobals // Read-only table.
var SupportedExtensions = []string{DataExtension, ".csv"}

// SplitOutputName separates a user-supplied output name into its base and
// extension. An empty extension means "keep the current one".
func SplitOutputName(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", &abacus.ExperimentError{Param: "output", Err: abacus.ErrInvalidOutput, Detail: "empty file name"}
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	if ext != "" && !slices.Contains(SupportedExtensions, strings.ToLower(ext)) {
		return "", "", &abacus.ExperimentError{
			Param:  "output",
			Err:    abacus.ErrInvalidOutput,
			Detail: fmt.Sprintf("%s: extension %q is not one of %s", name, ext, strings.Join(SupportedExtensions, ", ")),
		}
	}

	if base == "" || strings.HasSuffix(base, string(filepath.Separator)) {
		return "", "", &abacus.ExperimentError{Param: "output", Err: abacus.ErrInvalidOutput, Detail: name + ": missing file name"}
	}

	return base, strings.ToLower(ext), nil
}

// ResolveOutput joins a name with the current extension when the name has none.
func ResolveOutput(name, currentExt string) (string, error) {
	base, ext, err := SplitOutputName(name)
	if err != nil {
		return "", err
	}

	if ext == "" {
		ext = currentExt
	}

	if ext == "" {
		ext = DataExtension
	}

	return base + ext, nil
}
