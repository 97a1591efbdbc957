package catalog

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/gearlink/pkg/options"
)

// Downloader fetches a firmware binary into w.
type Downloader interface {
	Download(ctx context.Context, rawURL string, w io.Writer) error
}

var (
	_ Downloader = (*HTTPDownloader)(nil)
	_ Downloader = (*ObjectDownloader)(nil)
	_ Downloader = SchemeDownloader(nil)
)

// HTTPDownloader downloads http and https URLs.
type HTTPDownloader struct {
	client *http.Client
}

func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDownloader) Download(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download %s: %w", ErrNetwork, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download %s: server returned %s", ErrNetwork, rawURL, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: download %s: %w", ErrNetwork, rawURL, err)
	}
	return nil
}

// ObjectDownloader downloads s3://bucket/key URLs from an S3-compatible
// object store.
type ObjectDownloader struct {
	client *minio.Client
}

// NewObjectDownloader connects to the object store described by opts.
func NewObjectDownloader(opts *options.S3Options) (*ObjectDownloader, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ObjectDownloader{client: client}, nil
}

func (d *ObjectDownloader) Download(ctx context.Context, rawURL string, w io.Writer) error {
	bucket, key, err := parseObjectURL(rawURL)
	if err != nil {
		return err
	}

	obj, err := d.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", ErrNetwork, rawURL, err)
	}
	defer obj.Close()

	if _, err := io.Copy(w, obj); err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrNetwork, rawURL, err)
	}
	return nil
}

func parseObjectURL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%q is not an s3://bucket/key url", rawURL)
	}
	return u.Host, key, nil
}

// SchemeDownloader picks a downloader by URL scheme.
type SchemeDownloader map[string]Downloader

func (s SchemeDownloader) Download(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid download url %q: %w", rawURL, err)
	}
	d, ok := s[u.Scheme]
	if !ok {
		return fmt.Errorf("no downloader for scheme %q", u.Scheme)
	}
	return d.Download(ctx, rawURL, w)
}
