package kiln

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/renameio"
)

// MirrorClient wraps the S3 client for the package mirror bucket.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes a client from the KILN_S3_* settings.
func NewMirrorClient(ctx context.Context, m MirrorConfig, debug bool) (*MirrorClient, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("mirror credentials missing in configuration (KILN_S3_BUCKET, KILN_S3_ACCESS_KEY_ID, KILN_S3_SECRET_ACCESS_KEY)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKeyID, m.SecretAccessKey, "")),
		config.WithRegion(m.Region),
	}
	if debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, BucketName: m.Bucket}, nil
}

// parseS3Locator splits s3://bucket/key.
func parseS3Locator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 locator: %s", locator)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 locator %s has no key", locator)
	}
	return u.Host, key, nil
}

// DownloadFile streams bucket/key into dest atomically. An empty bucket means
// the configured one.
func (r *MirrorClient) DownloadFile(ctx context.Context, bucket, key, dest string) error {
	if bucket == "" {
		bucket = r.BucketName
	}
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	pf, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer pf.Cleanup()
	if err := pf.Chmod(0o644); err != nil {
		return err
	}
	if _, err := io.Copy(pf, output.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return pf.CloseAtomicallyReplace()
}

// UploadLocalFile uploads a file from disk to the configured bucket.
func (r *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	})
	return err
}

// UploadFile uploads size bytes read from body.
func (r *MirrorClient) UploadFile(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
