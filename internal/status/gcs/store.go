// Package gcs implements the status store on Google Cloud Storage.
//
// Documents are JSON objects in a bucket. The revision token is the object
// generation, enforced with write preconditions: a conditional put carries
// ifGenerationMatch and a create carries doesNotExist, so a concurrent
// writer surfaces as a 412 rather than a silent overwrite.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
)

const (
	taskPrefix = "status/api/"

	jsonContentType = "application/json"
)

// Store implements harvest.StatusStore on a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a Store and verifies bucket access, failing fast on startup if
// the configuration is wrong. Authentication uses Application Default
// Credentials.
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

// CreateCollection writes the aggregate document with a doesNotExist
// precondition.
func (s *Store) CreateCollection(ctx context.Context, c harvest.Collection) error {
	obj := s.client.Bucket(s.bucket).Object(harvest.StatusKey(c.ID)).
		If(storage.Conditions{DoesNotExist: true})
	if err := s.writeJSON(ctx, obj, c); err != nil {
		if isPreconditionFailed(err) {
			return harvest.ErrAlreadyExists
		}
		return fmt.Errorf("create collection %s: %w", c.ID, err)
	}
	return nil
}

// GetCollection reads the aggregate document and returns its generation as
// the revision.
func (s *Store) GetCollection(ctx context.Context, collectionID string) (harvest.Collection, harvest.Revision, error) {
	rdr, err := s.client.Bucket(s.bucket).Object(harvest.StatusKey(collectionID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return harvest.Collection{}, 0, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.Collection{}, 0, fmt.Errorf("read collection %s: %w", collectionID, err)
	}
	defer rdr.Close()

	var c harvest.Collection
	if err := json.NewDecoder(rdr).Decode(&c); err != nil {
		return harvest.Collection{}, 0, fmt.Errorf("decode collection %s: %w", collectionID, err)
	}
	return c, harvest.Revision(rdr.Attrs.Generation), nil
}

// PutCollection overwrites the aggregate with an ifGenerationMatch
// precondition on the revision read earlier.
func (s *Store) PutCollection(ctx context.Context, c harvest.Collection, rev harvest.Revision) error {
	obj := s.client.Bucket(s.bucket).Object(harvest.StatusKey(c.ID)).
		If(storage.Conditions{GenerationMatch: int64(rev)})
	if err := s.writeJSON(ctx, obj, c); err != nil {
		if isPreconditionFailed(err) {
			return harvest.ErrRevisionMismatch
		}
		return fmt.Errorf("put collection %s: %w", c.ID, err)
	}
	return nil
}

// PutTask creates or overwrites a task status document.
func (s *Store) PutTask(ctx context.Context, t harvest.TaskStatus) error {
	obj := s.client.Bucket(s.bucket).Object(taskKey(t.APICallID))
	if err := s.writeJSON(ctx, obj, t); err != nil {
		return fmt.Errorf("put task %s: %w", t.APICallID, err)
	}
	return nil
}

// GetTask reads one task status document.
func (s *Store) GetTask(ctx context.Context, apiCallID string) (harvest.TaskStatus, error) {
	rdr, err := s.client.Bucket(s.bucket).Object(taskKey(apiCallID)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return harvest.TaskStatus{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.TaskStatus{}, fmt.Errorf("read task %s: %w", apiCallID, err)
	}
	defer rdr.Close()

	var t harvest.TaskStatus
	if err := json.NewDecoder(rdr).Decode(&t); err != nil {
		return harvest.TaskStatus{}, fmt.Errorf("decode task %s: %w", apiCallID, err)
	}
	return t, nil
}

// ListTasks scans the task prefix and returns the documents belonging to the
// collection.
func (s *Store) ListTasks(ctx context.Context, collectionID string) ([]harvest.TaskStatus, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: taskPrefix})
	var out []harvest.TaskStatus
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list tasks for %s: %w", collectionID, err)
		}
		rdr, err := s.client.Bucket(s.bucket).Object(attrs.Name).NewReader(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			// Deleted between list and read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read task object %s: %w", attrs.Name, err)
		}
		var t harvest.TaskStatus
		decodeErr := json.NewDecoder(rdr).Decode(&t)
		if closeErr := rdr.Close(); decodeErr == nil {
			decodeErr = closeErr
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("decode task object %s: %w", attrs.Name, decodeErr)
		}
		if t.CollectionID == collectionID {
			out = append(out, t)
		}
	}
}

func (s *Store) writeJSON(ctx context.Context, obj *storage.ObjectHandle, doc any) error {
	w := obj.NewWriter(ctx)
	w.ContentType = jsonContentType
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		// Close regardless so the upload session is abandoned cleanly; the
		// encode failure is the error that matters.
		_ = w.Close()
		return err
	}
	// Close finalizes the upload and is where precondition failures surface.
	return w.Close()
}

func taskKey(apiCallID string) string {
	return taskPrefix + apiCallID + ".json"
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
