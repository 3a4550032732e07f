// Package dataset loads uploaded spreadsheet artifacts into frames.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Artifact is a stored upload.
type Artifact struct {
	Key        string
	ModifiedAt time.Time
}

// Store is where uploaded artifacts live.
type Store interface {
	// Open returns the artifact content for key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Find returns every artifact whose file name matches name, case-insensitively.
	Find(ctx context.Context, name string) ([]Artifact, error)
}

// LocalStore serves artifacts from a directory tree.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("root is required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat data dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &LocalStore{Root: root}, nil
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

func (s *LocalStore) Find(ctx context.Context, name string) ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !matchesName(d.Name(), name) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		out = append(out, Artifact{Key: filepath.ToSlash(rel), ModifiedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.Root, err)
	}
	return out, nil
}

// path resolves key under Root and rejects keys that escape it.
func (s *LocalStore) path(key string) (string, error) {
	p := filepath.Join(s.Root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return p, nil
}

// S3Store serves artifacts from an S3 bucket under an optional prefix.
type S3Store struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

type S3StoreConfig struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint targets an S3-compatible service such as MinIO; path-style addressing is
	// used when it is set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c *S3StoreConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return nil
}

func NewS3Store(ctx context.Context, cfg *S3StoreConfig) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	return result.Body, nil
}

func (s *S3Store) Find(ctx context.Context, name string) ([]Artifact, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.Bucket)}
	if s.Prefix != "" {
		input.Prefix = aws.String(s.Prefix)
	}

	var out []Artifact
	paginator := s3.NewListObjectsV2Paginator(s.Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !matchesName(path.Base(*obj.Key), name) {
				continue
			}
			a := Artifact{Key: strings.TrimPrefix(*obj.Key, s.Prefix)}
			if obj.LastModified != nil {
				a.ModifiedAt = *obj.LastModified
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *S3Store) objectKey(key string) string {
	return s.Prefix + key
}

// matchesName reports whether a stored file name is the upload named name. The comparison
// ignores case, and a display name given without an extension matches any extension.
func matchesName(fileName, name string) bool {
	if strings.EqualFold(fileName, name) {
		return true
	}
	if filepath.Ext(name) == "" {
		return strings.EqualFold(strings.TrimSuffix(fileName, filepath.Ext(fileName)), name)
	}
	return false
}
