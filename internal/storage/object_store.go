// Package storage provides object storage operations.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore defines the storage operations the crawler needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, localPath, key string) (string, error)
	UploadBytes(ctx context.Context, data []byte, key, contentType string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Health(ctx context.Context) error
}

// ObjectInfo represents metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// MinIOConfig holds connection configuration for one bucket.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// MinIOStore implements ObjectStore using the MinIO SDK.
type MinIOStore struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewMinIOStore creates a new storage client.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &MinIOStore{
		client:     client,
		bucketName: cfg.BucketName,
		region:     cfg.Region,
	}, nil
}

// InitBucket ensures the bucket exists and creates it if necessary.
func (s *MinIOStore) InitBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Health checks storage connectivity.
func (s *MinIOStore) Health(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// UploadFile uploads a local file under key and returns the stored key.
func (s *MinIOStore) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	info, err := s.client.FPutObject(ctx, s.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return info.Key, nil
}

// UploadBytes uploads byte data under key.
func (s *MinIOStore) UploadBytes(ctx context.Context, data []byte, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}
	info, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload bytes: %w", err)
	}
	return info.Key, nil
}

// Exists checks if an object exists.
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// List lists objects with the given prefix.
func (s *MinIOStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	objectCh := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

// Storage prefixes. Keys are deterministic from the document title so a
// re-upload after a lost ledger entry lands on the same object.
const (
	PrefixJudgments   = "judgments"
	PrefixOrders      = "orders"
	PrefixLegislation = "legislation/UAE"
)

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SanitizeFilename strips filesystem-hostile characters, collapses
// whitespace, and caps the length.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Join(strings.Fields(name), " ")
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}

// JudgmentKey builds the storage key for a judgment or order title.
func JudgmentKey(label, title string) string {
	prefix := PrefixOrders
	if strings.Contains(strings.ToLower(label), "judgment") {
		prefix = PrefixJudgments
	}
	return path.Join(prefix, SanitizeFilename(title)+".pdf")
}

// LegislationKey builds the storage key for a legislation title.
func LegislationKey(title string) string {
	return path.Join(PrefixLegislation, SanitizeFilename(title)+".pdf")
}
