package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	errMissingBucket  = errors.New("blobstore: s3 bucket is required")
	errMissingBaseURL = errors.New("blobstore: public base url is required")
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// S3Store writes blobs to an S3-compatible bucket. URLs are PublicBaseURL joined with the object key.
type S3Store struct {
	client  s3API
	bucket  string
	baseURL string
	logger  *zap.Logger
}

// NewS3Store builds the AWS client from static credentials and an optional custom endpoint.
func NewS3Store(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errMissingBucket
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, errMissingBaseURL
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := loadDefaultAWSConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	client := newS3ClientFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3StoreWithClient(client, cfg.Bucket, cfg.PublicBaseURL, logger), nil
}

func newS3StoreWithClient(client s3API, bucket, baseURL string, logger *zap.Logger) *S3Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Put uploads data and returns its public URL.
func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		s.logger.Error("blob upload failed",
			zap.String("bucket", s.bucket),
			zap.String("key", key),
			zap.Error(err))
		return "", fmt.Errorf("%w: upload %s: %v", apperr.ErrStoreUnavailable, key, err)
	}
	return s.baseURL + "/" + key, nil
}

// Key parses a URL previously returned by Put: same scheme and host as the public base URL,
// a path under the base path, and no query or fragment.
func (s *S3Store) Key(rawURL string) (string, error) {
	notFound := fmt.Errorf("%w: %s", ErrBlobNotFound, rawURL)
	base, err := url.Parse(s.baseURL + "/")
	if err != nil {
		return "", notFound
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != base.Scheme || !strings.EqualFold(parsed.Host, base.Host) ||
		parsed.User != nil || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", notFound
	}
	key, ok := strings.CutPrefix(parsed.Path, base.Path)
	if !ok {
		return "", notFound
	}
	return cleanKey(rawURL, key)
}

// Get downloads the blob behind a URL previously returned by Put.
func (s *S3Store) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := s.Key(rawURL)
	if err != nil {
		return nil, err
	}
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, rawURL)
		}
		return nil, fmt.Errorf("%w: download %s: %v", apperr.ErrStoreUnavailable, key, err)
	}
	defer output.Body.Close()
	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrStoreUnavailable, key, err)
	}
	return data, nil
}
