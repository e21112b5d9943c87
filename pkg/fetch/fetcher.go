// Package fetch retrieves remote component files into task-local
// storage, hashing them while they stream to disk.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pkgpatch/pkgpatch/pkg/digest"
	"github.com/pkgpatch/pkgpatch/pkg/errors"
)

// Result contains fetch metadata.
type Result struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Fetcher retrieves a remote resource into a local file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) (*Result, error)
}

// Client fetches http(s):// URLs with a plain HTTP client and s3://
// URLs (s3://bucket/key) with the AWS SDK.
type Client struct {
	http *http.Client
	s3   *s3.Client
}

// NewClient creates a fetcher. The S3 client uses anonymous credentials
// since component URLs point at publicly readable objects.
func NewClient(ctx context.Context, region string, timeout time.Duration) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		http: &http.Client{Timeout: timeout},
		s3:   s3.NewFromConfig(cfg),
	}, nil
}

// Fetch downloads rawURL into dest and returns the local path, content
// hash, and size.
func (c *Client) Fetch(ctx context.Context, rawURL, dest string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid component URL")
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return c.fetchHTTP(ctx, rawURL, dest)
	case "s3":
		return c.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dest)
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

func (c *Client) fetchHTTP(ctx context.Context, rawURL, dest string) (*Result, error) {
	slog.Info("fetch_http_start", "url", rawURL, "dest", dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("fetch_http_failed", "url", rawURL, "error", err)
		return nil, errors.Wrap(err, "failed to fetch URL")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("fetch_http_bad_status", "url", rawURL, "status", resp.StatusCode)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	return writeAndDigest(resp.Body, dest, rawURL)
}

func (c *Client) fetchS3(ctx context.Context, bucket, key, dest string) (*Result, error) {
	slog.Info("fetch_s3_start", "bucket", bucket, "key", key, "dest", dest)

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("fetch_s3_failed", "bucket", bucket, "key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer out.Body.Close()

	return writeAndDigest(out.Body, dest, "s3://"+bucket+"/"+key)
}

// writeAndDigest streams body into dest while hashing it.
func writeAndDigest(body io.Reader, dest, source string) (*Result, error) {
	f, err := os.Create(dest)
	if err != nil {
		slog.Error("fetch_local_file_failed", "dest", dest, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	dw := digest.NewWriter()
	size, err := io.Copy(io.MultiWriter(f, dw), body)
	if err != nil {
		slog.Error("fetch_copy_failed", "dest", dest, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := dw.Sum()
	slog.Info("fetch_complete",
		"source", source,
		"size", size,
		"sha256", checksum[:16]+"...",
	)

	return &Result{LocalPath: dest, SHA256: checksum, Size: size}, nil
}
