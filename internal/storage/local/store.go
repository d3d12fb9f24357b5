// Package local implements an artifact store on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Config captures the parameters for the local filesystem artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes artifact documents to the local filesystem.
type Store struct {
	baseDir string
}

// New creates a new local filesystem-backed artifact store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// PutArtifact writes the artifact as JSON and returns a file:// URI.
func (s *Store) PutArtifact(_ context.Context, a harvest.Artifact) (string, error) {
	fullPath, err := s.resolve(harvest.ArtifactPath(a.CollectionID, a.Year, a.Month, a.Region))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}

// GetArtifact reads an artifact back from disk.
func (s *Store) GetArtifact(_ context.Context, collectionID string, year, month int, region string) (harvest.Artifact, error) {
	fullPath, err := s.resolve(harvest.ArtifactPath(collectionID, year, month, region))
	if err != nil {
		return harvest.Artifact{}, err
	}
	data, err := os.ReadFile(fullPath)
	if os.IsNotExist(err) {
		return harvest.Artifact{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Artifact{}, fmt.Errorf("read artifact file: %w", err)
	}
	var a harvest.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return harvest.Artifact{}, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return a, nil
}

// resolve joins the path under baseDir and rejects traversal outside it.
func (s *Store) resolve(path string) (string, error) {
	fullPath := filepath.Join(s.baseDir, path)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
