// Package fetch materializes remote or local resources (connector configs,
// catalogs, job lists) into local files. Refs are plain paths, http(s) URLs
// or s3://bucket/key URLs.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"airbridge/internal/apperrors"
	"airbridge/pkg/backoff"
)

// Fetcher retrieves the bytes behind a single ref scheme.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Resolver routes refs to scheme-specific fetchers.
type Resolver struct {
	local Fetcher
	http  Fetcher
	s3    Fetcher
}

// NewResolver wires the standard backends. s3c may be nil when no object
// store is configured; s3:// refs then fail with ResourceFetch.
func NewResolver(httpTimeout time.Duration, retries int, s3c *minio.Client) *Resolver {
	return &Resolver{
		local: LocalFetcher{},
		http: &HTTPFetcher{
			Client: &http.Client{Timeout: httpTimeout},
			Policy: backoff.Policy{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Attempts: retries, Jitter: true},
		},
		s3: &S3Fetcher{Client: s3c},
	}
}

// Fetch retrieves the ref via the backend its scheme selects.
func (r *Resolver) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return r.s3.Fetch(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.http.Fetch(ctx, ref)
	default:
		return r.local.Fetch(ctx, ref)
	}
}

// LocalFetcher reads refs as filesystem paths.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, apperrors.ResourceFetch(ref, err)
	}
	return data, nil
}

// HTTPFetcher retrieves http(s) refs with retries on transport errors and
// 5xx responses.
type HTTPFetcher struct {
	Client *http.Client
	Policy backoff.Policy
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	var body []byte
	err := backoff.Retry(ctx, f.Policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return err
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, apperrors.ResourceFetch(ref, err)
	}
	return body, nil
}

// S3Fetcher retrieves s3://bucket/key refs through a minio client.
type S3Fetcher struct {
	Client *minio.Client
}

func (f *S3Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if f.Client == nil {
		return nil, apperrors.ResourceFetch(ref, fmt.Errorf("no object store configured"))
	}
	bucket, key, err := SplitS3Ref(ref)
	if err != nil {
		return nil, apperrors.ResourceFetch(ref, err)
	}
	obj, err := f.Client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.ResourceFetch(ref, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperrors.ResourceFetch(ref, err)
	}
	return data, nil
}

// SplitS3Ref parses s3://bucket/key into its parts.
func SplitS3Ref(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" || len(u.Path) < 2 {
		return "", "", fmt.Errorf("malformed s3 ref %q", ref)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// StagedConfigs are the local paths of a job's materialized inputs, plus
// the MD5 fingerprint of the source config used as the manifest key.
type StagedConfigs struct {
	SourcePath      string
	DestinationPath string
	CatalogPath     string
	SourceHash      string
}

// Stage fetches the three refs and writes them under dir as source.json,
// destination.json and catalog.json.
func Stage(ctx context.Context, f Fetcher, dir, sourceRef, destRef, catalogRef string) (StagedConfigs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StagedConfigs{}, fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	var sc StagedConfigs
	stage := func(ref, name string) (string, []byte, error) {
		data, err := f.Fetch(ctx, ref)
		if err != nil {
			return "", nil, err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", nil, fmt.Errorf("staging %s: %w", path, err)
		}
		return path, data, nil
	}

	path, data, err := stage(sourceRef, "source.json")
	if err != nil {
		return StagedConfigs{}, err
	}
	sc.SourcePath = path
	sum := md5.Sum(data)
	sc.SourceHash = hex.EncodeToString(sum[:])

	if sc.DestinationPath, _, err = stage(destRef, "destination.json"); err != nil {
		return StagedConfigs{}, err
	}
	if sc.CatalogPath, _, err = stage(catalogRef, "catalog.json"); err != nil {
		return StagedConfigs{}, err
	}
	return sc, nil
}
