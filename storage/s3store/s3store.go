// Package s3store implements uploader.ObjectStore on top of AWS S3 multipart uploads.
// Part and object uploads go through pre-signed URLs, so the uploader itself never
// holds credentials.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-uploader/uploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numAPIRetries      = 3
	defaultURLExpiry   = 15 * time.Minute
	defaultRetryWait   = 5 * time.Second
	noSuchUploadCode   = "NoSuchUpload"
	listPartsPageLimit = 1000
)

// S3API is the subset of the S3 client used by the Store.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// PresignAPI is the subset of the S3 presign client used by the Store.
type PresignAPI interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Params configures a Store created with NewFromParams.
type Params struct {
	Bucket string
	// Prefix is prepended to every destination key.
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible storage.
	Endpoint     string
	UsePathStyle bool
	// URLExpiry is the lifetime of pre-signed URLs. Default: 15 minutes
	URLExpiry time.Duration
}

// Store is an uploader.ObjectStore backed by an S3 bucket.
type Store struct {
	client    S3API
	presigner PresignAPI
	bucket    string
	prefix    string
	urlExpiry time.Duration
	retryWait time.Duration
	logger    log.Logger
}

// New creates a Store using the given clients.
func New(client S3API, presigner PresignAPI, bucket, prefix string, urlExpiry time.Duration, logger log.Logger) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if urlExpiry <= 0 {
		urlExpiry = defaultURLExpiry
	}
	return &Store{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    prefix,
		urlExpiry: urlExpiry,
		retryWait: defaultRetryWait,
		logger:    logger,
	}, nil
}

// NewFromParams loads the AWS configuration and creates a Store for the bucket.
func NewFromParams(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	cfg, err := loadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})

	return New(client, s3.NewPresignClient(client), params.Bucket, params.Prefix, params.URLExpiry, logger)
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("AWS credentials not defined, loading credentials from the environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// InitiateMultipartUpload creates an S3 multipart upload and returns its upload ID.
func (s *Store) InitiateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	var uploadID string
	err := s.withRetry(ctx, "create multipart upload", func() error {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		out, err := s.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return "", err
	}
	return uploadID, nil
}

// GenerateUploadPartURL presigns an UploadPart request valid for the configured expiry.
func (s *Store) GenerateUploadPartURL(ctx context.Context, uploadID, key string, partNumber int) (uploader.UploadURL, error) {
	if partNumber < 1 || partNumber > uploader.MaxParts {
		return uploader.UploadURL{}, fmt.Errorf("%w: part number %d out of range", uploader.ErrInvalidInput, partNumber)
	}

	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.objectKey(key)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return uploader.UploadURL{}, fmt.Errorf("presign upload part %d: %w", partNumber, err)
	}
	return toUploadURL(req), nil
}

// ListUploadedParts pages through the parts S3 holds for an upload.
func (s *Store) ListUploadedParts(ctx context.Context, uploadID, key string) ([]uploader.UploadedPart, error) {
	var parts []uploader.UploadedPart
	var marker *string

	for {
		var out *s3.ListPartsOutput
		err := s.withRetry(ctx, "list parts", func() error {
			var err error
			out, err = s.client.ListParts(ctx, &s3.ListPartsInput{
				Bucket:           aws.String(s.bucket),
				Key:              aws.String(s.objectKey(key)),
				UploadId:         aws.String(uploadID),
				MaxParts:         aws.Int32(listPartsPageLimit),
				PartNumberMarker: marker,
			})
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, p := range out.Parts {
			parts = append(parts, uploader.UploadedPart{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			break
		}
		marker = out.NextPartNumberMarker
	}

	s.logger.Debugf("Upload %s has %d parts", uploadID, len(parts))
	return parts, nil
}

// CompleteMultipartUpload assembles the object from the given parts.
func (s *Store) CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []uploader.CompletedPart) (*uploader.CompletedUpload, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	var out *s3.CompleteMultipartUploadOutput
	err := s.withRetry(ctx, "complete multipart upload", func() error {
		var err error
		out, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(s.objectKey(key)),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &uploader.CompletedUpload{
		Key:      aws.ToString(out.Key),
		ETag:     aws.ToString(out.ETag),
		Location: aws.ToString(out.Location),
	}, nil
}

// AbortMultipartUpload removes an upload and the parts stored for it.
func (s *Store) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	return s.withRetry(ctx, "abort multipart upload", func() error {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(s.objectKey(key)),
			UploadId: aws.String(uploadID),
		})
		return err
	})
}

// GetSingleShotUploadURL presigns a PutObject request for the whole object.
func (s *Store) GetSingleShotUploadURL(ctx context.Context, key, contentType string) (uploader.UploadURL, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return uploader.UploadURL{}, fmt.Errorf("presign put object: %w", err)
	}
	return toUploadURL(req), nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// withRetry retries transient API failures. Unknown uploads are reported as
// uploader.ErrUploadNotFound right away.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Times(numAPIRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := fn()
		if err == nil {
			return nil, true
		}
		if isNoSuchUpload(err) {
			return fmt.Errorf("%s: %w: %w", op, uploader.ErrUploadNotFound, err), true
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, err), true
		}
		s.logger.Debugf("%s failed (attempt %d): %s", op, attempt+1, err)
		return fmt.Errorf("%s: %w", op, err), false
	})
}

func isNoSuchUpload(err error) bool {
	var notFound *types.NoSuchUpload
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == noSuchUploadCode
}

func toUploadURL(req *v4.PresignedHTTPRequest) uploader.UploadURL {
	headers := map[string]string{}
	for name, values := range req.SignedHeader {
		if http.CanonicalHeaderKey(name) == "Host" || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	method := req.Method
	if method == "" {
		method = http.MethodPut
	}
	return uploader.UploadURL{Method: method, URL: req.URL, Headers: headers}
}
