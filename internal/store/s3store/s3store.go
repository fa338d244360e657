// Package s3store implements store.Store on Amazon S3 and S3-compatible
// services.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/sirupsen/logrus"

	"github.com/s3mirror/s3mirror/internal/config"
	"github.com/s3mirror/s3mirror/internal/logging"
	"github.com/s3mirror/s3mirror/internal/store"
)

// Options configures the S3 client.
type Options struct {
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint overrides the service endpoint, for S3-compatible stores.
	Endpoint  string
	PathStyle bool

	// PartSize is the multipart chunk size in bytes. Zero uses the SDK
	// default.
	PartSize int64
	// Concurrency is the number of parts moved in parallel per object.
	Concurrency int

	Logger logrus.FieldLogger
}

// OptionsFromConfig maps the bucket and transfer sections onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Bucket:      cfg.Bucket.Name,
		Region:      cfg.Bucket.Region,
		AccessKey:   cfg.Bucket.AccessKey,
		SecretKey:   cfg.Bucket.SecretKey,
		Endpoint:    cfg.Bucket.Endpoint,
		PathStyle:   cfg.Bucket.PathStyle,
		PartSize:    cfg.Transfer.PartSizeMB * 1024 * 1024,
		Concurrency: cfg.Transfer.Concurrency,
	}
}

// Store is an S3 bucket.
type Store struct {
	bucket     string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	log        logrus.FieldLogger
}

var _ store.Store = (*Store)(nil)

// New builds a client from opts. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, &config.Error{Field: "bucket.name", Reason: "must be set"}
	}

	loaders := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			u.Concurrency = opts.Concurrency
		}
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if opts.PartSize > 0 {
			d.PartSize = opts.PartSize
		}
		if opts.Concurrency > 0 {
			d.Concurrency = opts.Concurrency
		}
	})

	log := logging.OrDiscard(opts.Logger)

	return &Store{
		bucket:     opts.Bucket,
		client:     client,
		uploader:   uploader,
		downloader: downloader,
		log:        log.WithField("bucket", opts.Bucket),
	}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

func (s *Store) Head(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrap("head", key, err)
	}
	return out.Metadata, nil
}

func (s *Store) Get(ctx context.Context, key string, dst io.WriterAt) (int64, error) {
	n, err := s.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, wrap("get", key, err)
	}
	return n, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, meta map[string]string, acl string) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: meta,
	}
	if acl != "" {
		input.ACL = types.ObjectCannedACL(acl)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return wrap("put", key, err)
	}
	s.log.WithFields(logrus.Fields{"key": key, "location": out.Location}).Debug("object stored")
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrap("delete", key, err)
	}
	return nil
}

func wrap(op, key string, err error) error {
	if IsNotFound(err) {
		return fmt.Errorf("failed to %s %s: %w: %v", op, key, store.ErrNotFound, err)
	}
	return fmt.Errorf("failed to %s %s: %w", op, key, err)
}

// IsNotFound reports whether err means the key or bucket entry is absent.
func IsNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
