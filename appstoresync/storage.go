package appstoresync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ObjectStore is the data-lake surface the pipeline writes raw and curated
// artifacts through. Keys are slash-delimited hive-style paths.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type gcsStore struct {
	client *storage.Client
	bucket string
}

// newGCSStore builds the bucket-backed store. Uses ADC (Cloud Run service
// account / GOOGLE_APPLICATION_CREDENTIALS) unless GCS_CREDENTIALS_JSON is
// provided for local runs.
func newGCSStore(ctx context.Context) (*gcsStore, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	var client *storage.Client
	var err error
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucket, err)
	}
	return &gcsStore{client: client, bucket: bucket}, nil
}

func (s *gcsStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return fmt.Errorf("failed to upload %s: %v", key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer for %s: %v", key, err)
	}
	return nil
}

func (s *gcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *gcsStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}

func (s *gcsStore) Close() error {
	return s.client.Close()
}

// Artifact key layout. Raw files carry the processing date they were
// extracted under; curated files are keyed by the metric date they describe.

func rawObjectKey(category, processingDate, appID, fileName string) string {
	return fmt.Sprintf("appstore/raw/%s/dt=%s/app_id=%s/%s", category, processingDate, appID, fileName)
}

func rawPrefix(category, processingDate, appID string) string {
	return fmt.Sprintf("appstore/raw/%s/dt=%s/app_id=%s/", category, processingDate, appID)
}

func curatedObjectKey(category, metricDate, appID string) string {
	return fmt.Sprintf("appstore/curated/%s/dt=%s/app_id=%s/data.csv", category, metricDate, appID)
}
