// Package storage handles persistence of the seen-set.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"cveflows/pkg/vuln"
)

// seenObject is the single object/file holding the serialized seen-set.
const seenObject = "seen.json"

// Store persists the seen-set to Cloud Storage or the local filesystem.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is non-empty the store
// uses the local filesystem; otherwise it uses the given bucket.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Load reads the full seen-set. A missing object or file means a first run
// and yields an empty set, not an error.
func (s *Store) Load(ctx context.Context) (vuln.SeenSet, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, seenObject)
		var err error
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Info("No seen-set file yet, starting empty", "path", filePath)
				return vuln.NewSeenSet(), nil
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		var notFound bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(seenObject).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "error", retryErr)
			}),
		)
		if err != nil {
			if notFound {
				s.logger.Info("No seen-set object yet, starting empty", "bucket", s.bucket)
				return vuln.NewSeenSet(), nil
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var set vuln.SeenSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("unmarshal seen-set: %w", err)
	}

	s.logger.Info("Seen-set loaded", "count", set.Len())
	return set, nil
}

// Save overwrites the full seen-set.
func (s *Store) Save(ctx context.Context, set vuln.SeenSet) error {
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seen-set: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, seenObject)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Seen-set saved to local storage", "path", filePath, "count", set.Len())
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(seenObject).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Seen-set saved", "bucket", s.bucket, "count", set.Len())
	return nil
}
