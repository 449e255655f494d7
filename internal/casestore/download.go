package casestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketConfig locates the case dataset in an S3-compatible bucket
type BucketConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to "<case_id>/" when listing objects.
	Prefix string
}

// Validate checks the settings needed to reach the bucket
func (c BucketConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Downloader fetches cases from object storage
type Downloader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewDownloader connects a MinIO client for cfg. Empty credentials select
// anonymous access, which public dataset buckets allow.
func NewDownloader(cfg BucketConfig) (*Downloader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Downloader{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Fetch downloads every object below <prefix>/<caseID>/ into dest. Files are
// written to a staging directory first and renamed into place, so dest only
// appears once it is complete.
func (d *Downloader) Fetch(ctx context.Context, caseID, dest string) error {
	casePrefix := caseID + "/"
	if d.prefix != "" {
		casePrefix = path.Join(d.prefix, caseID) + "/"
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, ".download-"+caseID+"-")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	count := 0
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: casePrefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", casePrefix, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, casePrefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		local, err := within(staging, rel)
		if err != nil {
			return err
		}
		if err := d.client.FGetObject(ctx, d.bucket, obj.Key, local, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("get %s: %w", obj.Key, err)
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("%w: no objects under %s", ErrCaseNotFound, casePrefix)
	}

	if err := os.Rename(staging, dest); err != nil {
		// another download finished first
		if _, statErr := os.Stat(filepath.Join(dest, planMetaFile)); statErr == nil {
			return nil
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return statErr
		}
		return err
	}
	committed = true
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
