package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityResult collects the outcome of VerifyIntegrity.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// VerifyIntegrity checks the protected files in configDir against the
// .checksums manifest. Every protected file on disk must be listed with a
// matching hash, and every listed file must exist.
func VerifyIntegrity(configDir string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(configDir)
	if err != nil {
		result.Passed = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("no usable .checksums manifest in %s: %v", configDir, err))
		return result, nil
	}

	fail := func(format string, args ...any) {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	for _, filename := range ProtectedFiles {
		path := filepath.Join(configDir, filename)
		expectedHash, listed := manifest.Hashes[filename]

		if !fileExists(path) {
			if listed {
				fail("%s is in .checksums but missing from disk", filename)
			}
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 && filename == tokensFileName {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s is readable by other users (mode %v)", filename, info.Mode().Perm()))
		}
		if !listed {
			fail("%s has no hash in .checksums", filename)
			continue
		}
		if err := VerifyFileHash(path, expectedHash); err != nil {
			fail("%v", err)
		}
	}

	return result, nil
}
