package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"arctic-table/failure"
)

// S3Storage stores objects in an S3-compatible bucket below an optional prefix.
type S3Storage struct {
	log    *zap.Logger
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Storage(log *zap.Logger, client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		log:    log,
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// S3Options describes how to reach an S3-compatible endpoint.
type S3Options struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3Client builds a client from static options. Empty keys mean anonymous access.
func NewS3Client(opts S3Options) *s3.Client {
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if opts.AccessKey != "" {
		creds = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     opts.AccessKey,
				SecretAccessKey: opts.SecretKey,
				Source:          "arctic-table config",
			}, nil
		})
	}

	return s3.New(s3.Options{
		Region:       opts.Region,
		Credentials:  creds,
		UsePathStyle: opts.UsePathStyle,
	}, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
}

func (s *S3Storage) key(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return cleaned, nil
	}
	return path.Join(s.prefix, cleaned), nil
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	fullPath, err := s.key(key)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullPath),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return failure.IO.Wrap(fmt.Errorf("putting object %s: %w", key, err))
	}
	return nil
}

func (s *S3Storage) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	fullPath, err := s.key(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullPath),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				s.log.Debug("conditional put lost", zap.String("key", key), zap.String("code", apiErr.ErrorCode()))
				return false, nil
			}
		}
		return false, failure.IO.Wrap(fmt.Errorf("conditional put %s: %w", key, err))
	}
	return true, nil
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.key(key)
	if err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullPath),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, failure.NotFound.New("object %s", key)
		}
		return nil, failure.IO.Wrap(fmt.Errorf("getting object %s: %w", key, err))
	}
	defer func() { _ = output.Body.Close() }()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, failure.IO.Wrap(fmt.Errorf("reading object %s: %w", key, err))
	}
	return data, nil
}

func (s *S3Storage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	fullPath, err := s.key(key)
	if err != nil {
		return ObjectInfo{}, err
	}

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullPath),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectInfo{}, failure.NotFound.New("object %s", key)
		}
		return ObjectInfo{}, failure.IO.Wrap(fmt.Errorf("head object %s: %w", key, err))
	}

	info := ObjectInfo{Key: key, Size: aws.ToInt64(output.ContentLength)}
	if output.LastModified != nil {
		info.ModTime = *output.LastModified
	}
	return info, nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := prefix
	if s.prefix != "" {
		fullPrefix = s.prefix + "/" + prefix
	}
	var files []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, failure.IO.Wrap(fmt.Errorf("listing objects %s: %w", prefix, err))
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			files = append(files, key)
		}
	}

	return files, nil
}

func (s *S3Storage) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := prefix
	if s.prefix != "" {
		fullPrefix = s.prefix + "/" + prefix
	}
	var names []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(fullPrefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, failure.IO.Wrap(fmt.Errorf("listing prefixes %s: %w", prefix, err))
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), fullPrefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}

	return names, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	fullPath, err := s.key(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullPath),
	})
	if err != nil && !isS3NotFound(err) {
		return failure.IO.Wrap(fmt.Errorf("deleting object %s: %w", key, err))
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
