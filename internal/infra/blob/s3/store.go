// Package s3 implements the blob store over an S3 compatible bucket (AWS S3
// or MinIO) so catalogs can be published centrally.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"equinecore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

// DefaultRegion applies when Config.Region is empty.
const DefaultRegion = "us-east-1"

// checksumMetaKey carries the sha256 of the payload in user metadata.
const checksumMetaKey = "sha256"

// Config holds construction parameters.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Store is a single-bucket blob store.
type Store struct {
	client *s3.Client
	bucket string
}

// New loads the AWS configuration and builds a client. Static credentials are
// used when an access key is supplied, otherwise the default chain applies.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.Transport != nil {
			o.HTTPClient = &http.Client{Transport: cfg.Transport}
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the configured bucket.
func (s *Store) Bucket() string { return s.bucket }

// Driver reports core.DriverS3.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Put uploads the object. Without Overwrite an existing key is rejected after a HEAD probe.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, err
	}
	if !opts.Overwrite {
		_, err := s.Head(ctx, clean)
		switch {
		case err == nil:
			return core.Object{}, core.KeyError{Kind: core.ErrExists, Key: clean}
		case !errors.Is(err, core.ErrNotFound):
			return core.Object{}, err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Object{}, err
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	meta := core.CloneMetadata(opts.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[checksumMetaKey] = checksum
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(clean),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      meta,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return core.Object{}, fmt.Errorf("put %s: %w", clean, err)
	}
	return core.Object{
		Key:         clean,
		Size:        int64(len(data)),
		ContentType: opts.ContentType,
		Checksum:    checksum,
		Metadata:    withoutChecksum(meta),
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// Get streams the object body.
func (s *Store) Get(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(clean)})
	if err != nil {
		return core.Object{}, nil, mapError(clean, err)
	}
	obj := toObject(clean, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified)
	return obj, out.Body, nil
}

// Head fetches metadata only.
func (s *Store) Head(ctx context.Context, key string) (core.Object, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(clean)})
	if err != nil {
		return core.Object{}, mapError(clean, err)
	}
	return toObject(clean, out.ContentLength, out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Delete probes the key first so the boolean reflects prior existence.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	clean, err := core.CleanKey(key)
	if err != nil {
		return false, err
	}
	if _, err := s.Head(ctx, clean); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(clean)}); err != nil {
		return false, fmt.Errorf("delete %s: %w", clean, err)
	}
	return true, nil
}

// List pages through ListObjectsV2.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Object, error) {
	var out []core.Object
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, item := range page.Contents {
			out = append(out, core.Object{
				Key:       aws.ToString(item.Key),
				Size:      aws.ToInt64(item.Size),
				Checksum:  strings.Trim(aws.ToString(item.ETag), `"`),
				UpdatedAt: aws.ToTime(item.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func mapError(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return core.KeyError{Kind: core.ErrNotFound, Key: key}
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return core.KeyError{Kind: core.ErrNotFound, Key: key}
	}
	return fmt.Errorf("s3 %s: %w", key, err)
}

func toObject(key string, size *int64, contentType, etag *string, meta map[string]string, modified *time.Time) core.Object {
	checksum := meta[checksumMetaKey]
	if checksum == "" {
		checksum = strings.Trim(aws.ToString(etag), `"`)
	}
	return core.Object{
		Key:         key,
		Size:        aws.ToInt64(size),
		ContentType: aws.ToString(contentType),
		Checksum:    checksum,
		Metadata:    withoutChecksum(meta),
		UpdatedAt:   aws.ToTime(modified),
	}
}

func withoutChecksum(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if k != checksumMetaKey {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
