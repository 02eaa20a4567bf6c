package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Containers the re-encoding modes can write (libx264 and aac).
var supportedContainers = map[string]bool{
	".mp4": true,
	".mov": true,
	".m4v": true,
	".mkv": true,
}

// SanitizeName turns a project title into a safe file name stem.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.Trim(strings.TrimSpace(b.String()), ".")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	if cleaned == "" {
		return "export"
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}

// ValidateOutputPath checks that output is a clean absolute file path with a
// supported extension, inside an existing directory.
func ValidateOutputPath(output string) error {
	if strings.TrimSpace(output) == "" {
		return fmt.Errorf("output path is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(output), "/") {
		if part == ".." {
			return fmt.Errorf("output path cannot contain path traversal")
		}
	}

	if !filepath.IsAbs(output) {
		return fmt.Errorf("output path must be absolute")
	}
	if filepath.Clean(output) != output {
		return fmt.Errorf("output path must be clean path")
	}

	ext := strings.ToLower(filepath.Ext(output))
	if !supportedContainers[ext] {
		return fmt.Errorf("unsupported output container %q", ext)
	}

	if err := checkDir(filepath.Dir(output)); err != nil {
		return err
	}
	if fi, err := os.Stat(output); err == nil && fi.IsDir() {
		return fmt.Errorf("output path is a directory")
	}

	return nil
}

// ValidateOutputDir checks that dir is a clean absolute path to an existing
// directory.
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("output directory is required")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("output directory must be absolute")
	}
	if filepath.Clean(dir) != dir {
		return fmt.Errorf("output directory must be clean path")
	}
	return checkDir(dir)
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("output directory does not exist")
		}
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output directory is not a directory")
	}
	return nil
}

// partialPath is the hidden sibling the transcoder writes before the final
// rename. It keeps the extension so the muxer is chosen correctly.
func partialPath(output, id string) string {
	dir, base := filepath.Split(output)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(dir, "."+stem+".partial-"+id+ext)
}
