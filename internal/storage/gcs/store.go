// Package gcs implements the artifact store on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

// Store writes artifact documents to a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New initializes a new GCS client and verifies bucket access, failing fast
// on startup if the configuration is wrong. Authentication uses Application
// Default Credentials.
func New(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucketName, err)
	}
	return &Store{client: client, bucket: bucketName}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// PutArtifact uploads the artifact JSON and returns its gs:// URI. Artifacts
// are partitioned by unit, so a plain overwrite is safe: a redelivered unit
// rewrites the same object with equivalent content.
func (s *Store) PutArtifact(ctx context.Context, a harvest.Artifact) (string, error) {
	path := harvest.ArtifactPath(a.CollectionID, a.Year, a.Month, a.Region)
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "application/json"

	if err := json.NewEncoder(w).Encode(a); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize artifact %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// GetArtifact downloads and decodes one artifact document.
func (s *Store) GetArtifact(ctx context.Context, collectionID string, year, month int, region string) (harvest.Artifact, error) {
	path := harvest.ArtifactPath(collectionID, year, month, region)
	rdr, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return harvest.Artifact{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Artifact{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	defer rdr.Close()

	var a harvest.Artifact
	if err := json.NewDecoder(rdr).Decode(&a); err != nil {
		return harvest.Artifact{}, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	return a, nil
}
