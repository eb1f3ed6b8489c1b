// Package ghacache implements the remote cache backend: the GitHub
// Actions cache service's artifact protocol (reserve a cache entry,
// upload it in bounded-size chunks, commit it), fronted by a
// retryablehttp client exactly as the teacher's internal/client wires
// its APIClient, and a sticky rate-limit backoff modeled on the
// teacher's client.okToRequest/_maxRemoteFailCount pattern.
package ghacache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/google/wireit-sub001/internal/cache"
	"github.com/google/wireit-sub001/internal/cacheitem"
	"github.com/google/wireit-sub001/internal/turbopath"
	"github.com/google/wireit-sub001/internal/util"
)

// chunkSize is the maximum size of a single upload-chunk request,
// matching the GitHub Actions cache service's documented 32 MiB limit.
const chunkSize = 32 * 1024 * 1024

// maxRemoteFailCount is how many consecutive failures trip the sticky
// rate-limit flag, mirroring the teacher's _maxRemoteFailCount.
const maxRemoteFailCount = 3

// Config holds the connection details for the GitHub Actions cache
// service, normally supplied by the ACTIONS_CACHE_URL /
// ACTIONS_RUNTIME_TOKEN environment variables in a workflow run.
type Config struct {
	BaseURL string
	Token   string
	// Version is mixed into every cache key's namespace, letting a
	// CacheVersion bump invalidate all existing remote entries at
	// once without deleting them.
	Version string
}

// Backend implements cache.Backend against the GitHub Actions cache
// service.
type Backend struct {
	cfg      Config
	client   *retryablehttp.Client
	repoRoot turbopath.AbsoluteSystemPath

	failCount     int32
	rateLimited   int32
	rateLimitedAt atomic.Int64
}

var _ cache.Backend = (*Backend)(nil)

// New constructs a Backend. logger receives retry/backoff diagnostics,
// exactly as the teacher's NewClient wires its hclog.Logger into
// retryablehttp.Client.Logger.
func New(cfg Config, repoRoot turbopath.AbsoluteSystemPath, logger hclog.Logger) *Backend {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.RetryMax = 2
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = checkRetry
	// Hand the last response back once retries run out, so a final 429
	// reaches recordFailure instead of surfacing as a bare error.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		rc.Logger = logger
	}
	return &Backend{cfg: cfg, client: rc, repoRoot: repoRoot}
}

// checkRetry mirrors the teacher's retryCachePolicy: retry on 429
// (rate limited) in addition to retryablehttp's default transient
// conditions, but never retry on a context cancellation.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// okToRequest reports whether the sticky rate-limit cooldown has
// elapsed, matching the teacher's method of the same name.
func (b *Backend) okToRequest() bool {
	if atomic.LoadInt32(&b.rateLimited) == 0 {
		return true
	}
	elapsed := time.Since(time.Unix(0, b.rateLimitedAt.Load()))
	if elapsed > 60*time.Second {
		atomic.StoreInt32(&b.rateLimited, 0)
		atomic.StoreInt32(&b.failCount, 0)
		return true
	}
	return false
}

func (b *Backend) recordFailure(rateLimited bool) {
	if rateLimited {
		n := atomic.AddInt32(&b.failCount, 1)
		if n >= maxRemoteFailCount {
			atomic.StoreInt32(&b.rateLimited, 1)
			b.rateLimitedAt.Store(time.Now().UnixNano())
		}
	}
}

func (b *Backend) namespacedKey(key cache.Key) string {
	return b.cfg.Version + "/" + string(key)
}

// reserveResponse is the GitHub Actions cache service's reply to a
// cache reservation request.
type reserveResponse struct {
	CacheID int64 `json:"cacheId"`
}

// Put archives files into a zstd-compressed tar stream and uploads it
// to the remote cache in chunkSize pieces, following the GitHub
// Actions artifact-cache protocol: reserve -> PATCH each chunk with a
// Content-Range header -> commit.
func (b *Backend) Put(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key cache.Key, duration time.Duration, files []turbopath.AnchoredSystemPath) error {
	if !b.okToRequest() {
		return fmt.Errorf("ghacache: remote cache temporarily disabled after repeated rate limiting")
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, anchor, files); err != nil {
		return err
	}
	size := int64(buf.Len())

	// Every upload session gets its own UUID, used as an idempotency
	// key so a retried reserve request (e.g. after a transient network
	// failure between the request landing and its response arriving)
	// cannot accidentally reserve two cache entries for one Put.
	sessionID := uuid.New().String()

	cacheID, err := b.reserve(ctx, key, size, sessionID)
	if err != nil {
		return err
	}

	data := buf.Bytes()
	for offset := int64(0); offset < size; offset += chunkSize {
		end := offset + chunkSize
		if end > size {
			end = size
		}
		if err := b.uploadChunk(ctx, cacheID, data[offset:end], offset, end-1); err != nil {
			return err
		}
	}

	return b.commit(ctx, cacheID, size)
}

func (b *Backend) reserve(ctx context.Context, key cache.Key, size int64, sessionID string) (int64, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"key":       b.namespacedKey(key),
		"version":   b.cfg.Version,
		"cacheSize": size,
	})
	resp, err := b.doWithHeaders(ctx, http.MethodPost, "/_apis/artifactcache/caches", body, map[string]string{
		"X-Idempotency-Key": sessionID,
	})
	if err != nil {
		return 0, err
	}
	defer util.CloseAndIgnoreError(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		b.recordFailure(true)
		return 0, fmt.Errorf("ghacache: rate limited reserving cache entry")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.recordFailure(false)
		return 0, fmt.Errorf("ghacache: reserve failed with status %d", resp.StatusCode)
	}
	var r reserveResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, fmt.Errorf("ghacache: decoding reserve response: %w", err)
	}
	return r.CacheID, nil
}

func (b *Backend) uploadChunk(ctx context.Context, cacheID int64, chunk []byte, start, end int64) error {
	path := fmt.Sprintf("/_apis/artifactcache/caches/%d", cacheID)
	req, err := retryablehttp.NewRequest(http.MethodPatch, b.cfg.BaseURL+path, chunk)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	b.authHeaders(req.Header)
	resp, err := b.client.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ghacache: uploading chunk: %w", err)
	}
	defer util.CloseAndIgnoreError(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		b.recordFailure(true)
		return fmt.Errorf("ghacache: rate limited uploading chunk")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.recordFailure(false)
		return fmt.Errorf("ghacache: chunk upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func (b *Backend) commit(ctx context.Context, cacheID int64, size int64) error {
	body, _ := json.Marshal(map[string]interface{}{"size": size})
	resp, err := b.do(ctx, http.MethodPost, fmt.Sprintf("/_apis/artifactcache/caches/%d", cacheID), body)
	if err != nil {
		return err
	}
	defer util.CloseAndIgnoreError(resp.Body)
	if resp.StatusCode == http.StatusConflict {
		// Another writer already committed this cache entry; treat as
		// success, matching the protocol's documented 409 semantics.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.recordFailure(resp.StatusCode == http.StatusTooManyRequests)
		return fmt.Errorf("ghacache: commit failed with status %d", resp.StatusCode)
	}
	return nil
}

// Exists checks the cache service for a matching entry without
// downloading it.
func (b *Backend) Exists(ctx context.Context, key cache.Key) (bool, error) {
	if !b.okToRequest() {
		return false, nil
	}
	resp, err := b.do(ctx, http.MethodGet, "/_apis/artifactcache/cache?keys="+b.namespacedKey(key)+"&version="+b.cfg.Version, nil)
	if err != nil {
		return false, err
	}
	defer util.CloseAndIgnoreError(resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

// Fetch downloads and restores a cached entry, following the redirect
// the cache service returns to the artifact's storage URL.
func (b *Backend) Fetch(ctx context.Context, anchor turbopath.AbsoluteSystemPath, key cache.Key) (bool, []turbopath.AnchoredSystemPath, time.Duration, error) {
	resp, err := b.do(ctx, http.MethodGet, "/_apis/artifactcache/cache?keys="+b.namespacedKey(key)+"&version="+b.cfg.Version, nil)
	if err != nil {
		return false, nil, 0, err
	}
	defer util.CloseAndIgnoreError(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return false, nil, 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		b.recordFailure(resp.StatusCode == http.StatusTooManyRequests)
		return false, nil, 0, fmt.Errorf("ghacache: fetch failed with status %d", resp.StatusCode)
	}
	item := cacheitem.FromReader(resp.Body, true)
	files, err := item.Restore(anchor)
	if err != nil {
		return false, nil, 0, err
	}
	return true, files, 0, nil
}

func (b *Backend) authHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+b.cfg.Token)
	h.Set("Accept", "application/json;api-version=6.0-preview.1")
}

func (b *Backend) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return b.doWithHeaders(ctx, method, path, body, nil)
}

func (b *Backend) doWithHeaders(ctx context.Context, method, path string, body []byte, extra map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, b.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authHeaders(req.Header)
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return b.client.Do(req.WithContext(ctx))
}

// writeArchive mirrors the teacher's cache_http.go write/storeFile
// pair: stream each file into a zstd-compressed tar via
// cacheitem.CreateWriter, zeroing timestamps and stripping ownership
// (cacheitem.AddFile already does both) so archives are
// byte-reproducible across machines, without staging anything to disk
// first.
func writeArchive(w io.Writer, anchor turbopath.AbsoluteSystemPath, files []turbopath.AnchoredSystemPath) error {
	item := cacheitem.CreateWriter(w, true)
	for _, file := range files {
		if err := item.AddFile(anchor, file); err != nil {
			_ = item.Close()
			return err
		}
	}
	return item.Close()
}
