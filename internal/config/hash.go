package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumsFile is the manifest name kept next to hashed config files.
const ChecksumsFile = ".checksums"

// ErrNoChecksums is returned by LoadChecksums when a directory has no manifest.
var ErrNoChecksums = errors.New("checksums file not found (run 'hookrelay config lock')")

// ChecksumManifest maps config file basenames to their BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Hash     string
}

// HashUpdateReport captures checksum generation details for a config tree.
type HashUpdateReport struct {
	ChecksumPaths []string
	Written       bool
	Files         []HashUpdateFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// Fingerprint returns one BLAKE3 digest over all files, in the order given.
// It identifies the exact configuration a running process was started with.
func Fingerprint(paths []string) (string, error) {
	h := blake3.New()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		h.Write([]byte(filepath.Base(path)))
		h.Write([]byte{0})
		h.Write(data)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Lock hashes every file in the config tree rooted at configPath and writes
// one .checksums manifest per directory. With dryRun nothing is written.
func Lock(configPath string, dryRun bool) (*HashUpdateReport, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]*ChecksumManifest)
	report := &HashUpdateReport{Files: make([]HashUpdateFileResult, 0, len(files))}
	generatedAt := time.Now().UTC().Format(time.RFC3339)

	for _, path := range files {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}

		dir := filepath.Dir(path)
		m, ok := manifests[dir]
		if !ok {
			m = &ChecksumManifest{Version: 1, GeneratedAt: generatedAt, Hashes: make(map[string]string)}
			manifests[dir] = m
		}
		m.Hashes[filepath.Base(path)] = hash

		report.Files = append(report.Files, HashUpdateFileResult{
			Filename: filepath.Base(path),
			Path:     path,
			Hash:     hash,
		})
	}

	dirs := make([]string, 0, len(manifests))
	for dir := range manifests {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		report.ChecksumPaths = append(report.ChecksumPaths, filepath.Join(dir, ChecksumsFile))
	}

	if dryRun {
		return report, nil
	}

	for _, dir := range dirs {
		data, err := yaml.Marshal(manifests[dir])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		// Write with restrictive permissions (contains expected hashes)
		if err := os.WriteFile(filepath.Join(dir, ChecksumsFile), data, 0600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumsFile)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}
