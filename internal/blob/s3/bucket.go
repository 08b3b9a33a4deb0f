// Package s3blob archives ledger snapshots and fill journals to S3 or an
// S3-compatible store (MinIO, R2) using AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// minPartSize is the smallest part S3 accepts in a multipart upload.
const minPartSize int64 = 5 * 1024 * 1024

// Config describes the archive bucket.
type Config struct {
	// Endpoint is an S3-compatible endpoint such as "minio:9000". Empty
	// means AWS.
	Endpoint string
	Region   string
	Bucket   string
	// AccessKey and SecretKey select static credentials. When both are
	// empty the default AWS credential chain is used.
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme for an Endpoint given without one.
	UseSSL bool
	// ForcePathStyle puts the bucket in the path. MinIO needs it.
	ForcePathStyle bool
	// PartSize is the multipart threshold and part size. Bodies up to one
	// part go up in a single PutObject.
	PartSize int64
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// Bucket reads and writes objects in one bucket.
type Bucket struct {
	api      *s3.Client
	name     string
	uploader *manager.Uploader
}

// Open builds the S3 client for cfg. It does not contact the store; call
// Ping for that.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := max(cfg.PartSize, minPartSize)
	return &Bucket{
		api:  api,
		name: cfg.Bucket,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Ping checks that the bucket exists and the credentials can reach it.
func (b *Bucket) Ping(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", b.name, err)
	}
	return nil
}

// Put uploads data under path. The upload manager switches to multipart
// once the body exceeds one part.
func (b *Bucket) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// Get returns the object body, which the caller must close. A missing object
// is domain.ErrNotFound.
func (b *Bucket) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(path),
	})
	switch {
	case isNotFound(err):
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns every object under prefix.
func (b *Bucket) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	var infos []BlobInfo
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, BlobInfo{
				Path:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// endpointURL adds a scheme to an endpoint given as host:port.
func endpointURL(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	// Some compatible providers only return a bare 404.
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 404
}

var (
	_ domain.BlobWriter = (*Bucket)(nil)
	_ BlobReader        = (*Bucket)(nil)
)
