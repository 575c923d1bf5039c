// Package storage mirrors materialized workflow projects to S3 so any
// replica can restore a project it did not compile.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/internal/util"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

var ErrNotFound = errors.New("project not found in mirror")

const (
	defaultPrefix = "projects"
	maxParallel   = 8
	retryTries    = 3
	retryDelay    = 500 * time.Millisecond
)

var log = logger.With("Storage")

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// NewS3Client builds a path-style client from AWS_REGION, AWS_ENDPOINT,
// AWS_ACCESS_KEY and AWS_SECRET_KEY.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(util.GetEnv("AWS_REGION")),
		config.WithBaseEndpoint(util.GetEnv("AWS_ENDPOINT")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			util.GetEnv("AWS_ACCESS_KEY"),
			util.GetEnv("AWS_SECRET_KEY"),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Mirror keeps one object per project file under <prefix>/<id>/.
type Mirror struct {
	client s3API
	bucket string
	prefix string
}

func NewMirror(client *s3.Client, bucket string) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: defaultPrefix}
}

func (m *Mirror) folder(id string) string {
	return path.Join(m.prefix, id) + "/"
}

// Upload replaces the mirrored copy of id with the contents of dir.
func (m *Mirror) Upload(ctx context.Context, id, dir string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk project %s: %w", id, err)
	}

	if err := m.Delete(ctx, id); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, rel := range files {
		g.Go(func() error {
			return util.RetryErrWithContext(gctx, retryTries, retryDelay, func(ctx context.Context) error {
				return m.putFile(ctx, m.folder(id)+rel, filepath.Join(dir, filepath.FromSlash(rel)))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("upload project %s: %w", id, err)
	}
	log.Debug("Uploaded project", "id", id, "files", len(files))
	return nil
}

func (m *Mirror) putFile(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if mimeType := mime.TypeByExtension(path.Ext(key)); mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return nil
}

// Restore downloads the mirrored copy of id into dir. On failure dir is
// removed so a later build sees a missing project.
func (m *Mirror) Restore(ctx context.Context, id, dir string) error {
	keys, err := m.ListFilesWithPrefix(ctx, m.folder(id))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	for _, key := range keys {
		rel := strings.TrimPrefix(key, m.folder(id))
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		err := util.RetryErrWithContext(ctx, retryTries, retryDelay, func(ctx context.Context) error {
			return m.getFile(ctx, root, key, filepath.FromSlash(rel))
		})
		if err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("restore %s: %w", key, err)
		}
	}
	log.Info("Restored project from mirror", "id", id, "files", len(keys))
	return nil
}

func (m *Mirror) getFile(ctx context.Context, root *os.Root, key, rel string) error {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get file from S3: %w", err)
	}
	defer result.Body.Close()

	if parent := filepath.Dir(rel); parent != "." {
		if err := root.MkdirAll(parent, 0o755); err != nil {
			return err
		}
	}
	f, err := root.Create(rel)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, result.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to read file contents: %w", err)
	}
	return f.Close()
}

// Delete removes every mirrored object of id.
func (m *Mirror) Delete(ctx context.Context, id string) error {
	return m.DeleteFolder(ctx, m.folder(id))
}

func (m *Mirror) DeleteFolder(ctx context.Context, prefix string) error {
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := m.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("failed to list objects in folder %s: %w", prefix, err)
		}

		if len(listOutput.Contents) == 0 {
			break
		}

		var objectsToDelete []types.ObjectIdentifier
		for _, obj := range listOutput.Contents {
			objectsToDelete = append(objectsToDelete, types.ObjectIdentifier{
				Key: obj.Key,
			})
		}

		_, err = m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.bucket),
			Delete: &types.Delete{
				Objects: objectsToDelete,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects in folder %s: %w", prefix, err)
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return nil
}

func (m *Mirror) ListFilesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	}

	for {
		listOutput, err := m.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range listOutput.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		if listOutput.IsTruncated != nil && *listOutput.IsTruncated {
			listInput.ContinuationToken = listOutput.NextContinuationToken
		} else {
			break
		}
	}

	return keys, nil
}
