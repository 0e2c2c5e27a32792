package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3 (or S3-compatible) backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // for MinIO, R2, Supabase S3 etc.
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string
}

// s3API is the part of the S3 client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3 is a Store backed by an S3 bucket.
type S3 struct {
	client     s3API
	bucket     string
	publicBase string
}

// NewS3 loads AWS configuration (static keys when given, else the default
// chain) and returns the backend.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	public := cfg.PublicBaseURL
	if public == "" {
		switch {
		case cfg.Endpoint != "":
			public = cfg.Endpoint
		default:
			public = fmt.Sprintf("https://s3.%s.amazonaws.com", awsCfg.Region)
		}
	}
	return newS3(client, cfg.Bucket, public), nil
}

func newS3(client s3API, bucket, publicBase string) *S3 {
	return &S3{client: client, bucket: bucket, publicBase: publicBase}
}

func (s *S3) Put(ctx context.Context, objPath string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objPath),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	out := []Object{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			o := Object{Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.UpdatedAt = obj.LastModified.UTC()
			}
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *S3) URL(objPath string) string {
	return PublicURL(s.publicBase, s.bucket, objPath)
}

var _ Store = (*S3)(nil)
