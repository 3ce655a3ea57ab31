package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string // S3-compatible endpoint; empty for AWS
	AccessKeyID   string
	SecretKey     string
	PublicBaseURL string // CDN in front of the bucket; empty for virtual-hosted URLs
}

// S3 stores objects in an S3 (or S3-compatible) bucket.
type S3 struct {
	client        *s3.S3
	uploader      *s3manager.Uploader
	downloader    *s3manager.Downloader
	bucket        string
	region        string
	endpoint      string
	publicBaseURL string
}

func NewS3(cfg S3Config) (*S3, error) {
	awsCfg := &aws.Config{
		Region:     aws.String(cfg.Region),
		MaxRetries: aws.Int(maxRetries),
	}

	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretKey, "")
	}

	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3{
		client:        s3.New(sess),
		uploader:      s3manager.NewUploader(sess),
		downloader:    s3manager.NewDownloader(sess),
		bucket:        cfg.Bucket,
		region:        cfg.Region,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *S3) Bucket() string { return s.bucket }

func (s *S3) WithBucket(name string) ObjectStore {
	if name == "" || name == s.bucket {
		return s
	}
	cp := *s
	cp.bucket = name
	return &cp
}

func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return s.PublicURL(key), nil
}

func (s *S3) Download(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from S3: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *S3) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s in S3: %w", prefix, err)
	}
	return keys, nil
}

func (s *S3) SignForPlayback(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return url, nil
}

func (s *S3) PublicURL(key string) string {
	switch {
	case s.publicBaseURL != "":
		return fmt.Sprintf("%s/%s", s.publicBaseURL, key)
	case s.endpoint != "":
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
	}
}
