// Package httpcache is a caching, retrying HTTP GET client. Responses are
// stored in a KVFileStore keyed by method+URL and revalidated against
// Cache-Control/ETag/Last-Modified the way a browser cache would; a second,
// separate KVFileStore holds artifacts addressed by their expected content
// hash, bypassing response-freshness logic entirely once an artifact with
// a given hash has ever been fetched.
package httpcache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bilusteknoloji/envforge/internal/artifacthash"
	"github.com/bilusteknoloji/envforge/internal/store"
	"github.com/rs/xid"
)

const (
	maxRedirects      = 5
	defaultMaxRetries = 3
	clientTimeout     = 60 * time.Second
)

var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// retryStatuses are the response statuses doWithRetry treats as transient.
var retryStatuses = map[int]bool{500: true, 503: true, 520: true, 527: true}

// CacheMode controls how a request interacts with the response cache.
type CacheMode int

const (
	// Default applies ordinary HTTP caching semantics: serve fresh entries
	// from cache, revalidate stale ones, fetch on a miss.
	Default CacheMode = iota
	// OnlyIfCached never talks to the network; returns NotCached if there's
	// no usable cache entry.
	OnlyIfCached
	// NoStore bypasses the cache entirely in both directions.
	NoStore
)

// CacheStatus reports how a response was produced, mainly for tests and
// debug logging.
type CacheStatus int

const (
	Fresh CacheStatus = iota
	StaleButValidated
	StaleAndChanged
	Miss
	Uncacheable
)

func (s CacheStatus) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case StaleButValidated:
		return "stale-but-validated"
	case StaleAndChanged:
		return "stale-and-changed"
	case Miss:
		return "miss"
	case Uncacheable:
		return "uncacheable"
	default:
		return "unknown"
	}
}

// NotCached is returned when CacheMode is OnlyIfCached and there's no usable
// cache entry.
type NotCached struct {
	URL string
}

func (e *NotCached) Error() string {
	return fmt.Sprintf("%s is not cached, and cache mode is only-if-cached", e.URL)
}

// HttpStatus reports an unexpected, non-retryable HTTP response status.
type HttpStatus struct {
	URL    string
	Status int
}

func (e *HttpStatus) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Status, e.URL)
}

// HttpTransport wraps a network-level transport failure (DNS, connection
// refused, TLS, timeout).
type HttpTransport struct {
	URL string
	Err error
}

func (e *HttpTransport) Error() string { return fmt.Sprintf("fetching %s: %v", e.URL, e.Err) }
func (e *HttpTransport) Unwrap() error { return e.Err }

// HashMismatch reports a downloaded artifact whose content didn't hash to
// the digest it was pinned to.
type HashMismatch struct {
	URL string
	Err error
}

func (e *HashMismatch) Error() string { return fmt.Sprintf("fetching %s: %v", e.URL, e.Err) }
func (e *HashMismatch) Unwrap() error { return e.Err }

// retryableError marks a transient failure worth retrying with backoff.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Response is a cached-or-fresh HTTP response. Body is seekable: both a
// cache hit and a freshly-fetched-and-stored response are backed by a file.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        io.ReadSeekCloser
	URL         string // final URL, after following any redirects
	CacheStatus CacheStatus
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (useful to point at
// an httptest.Server's custom transport/timeout in tests).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithMaxRetries overrides the number of attempts doWithRetry makes before
// giving up on a transport error or a retryable status. n <= 0 is
// ignored, leaving the default in place.
func WithMaxRetries(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxRetries = n
		}
	}
}

// Client is a caching, retrying HTTP GET client with a separate
// content-hash-addressed artifact cache.
type Client struct {
	http       *http.Client
	logger     *slog.Logger
	responses  *store.KVFileStore
	artifacts  *store.KVFileStore
	maxRetries int
}

// New creates a Client. responseCache holds revalidated HTTP responses;
// artifactCache holds hash-verified artifact bodies, independent of
// response freshness.
func New(responseCache, artifactCache *store.KVFileStore, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: clientTimeout},
		logger:     slog.Default(),
		responses:  responseCache,
		artifacts:  artifactCache,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func responseCacheKey(method, rawURL string) store.BytesKey {
	return store.BytesKey(method + " " + rawURL)
}

// HTTPClient returns the underlying *http.Client, so callers that need a
// lower-level transport (a lazy ranged-read file, say) reuse the same
// connection pool and timeout instead of opening a second one.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Get performs a cached GET against rawURL, applying mode's caching
// behavior. A redirect response that the underlying *http.Client hands back
// is followed here, up to maxRedirects hops; a client with the default
// redirect policy follows redirects itself, under its own limit, before Get
// ever sees them.
func (c *Client) Get(rawURL string, mode CacheMode) (*Response, error) {
	reqID := xid.New().String()
	current := rawURL

	for attempt := 0; ; attempt++ {
		resp, err := c.getOnce(reqID, current, mode)
		if err != nil {
			return nil, err
		}
		if !redirectStatuses[resp.StatusCode] {
			resp.URL = current
			return resp, nil
		}
		if attempt >= maxRedirects {
			return nil, fmt.Errorf("exceeded %d redirects fetching %s", maxRedirects, rawURL)
		}
		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return nil, fmt.Errorf("redirect response from %s had no Location header", current)
		}
		target, err := resolveURL(current, location)
		if err != nil {
			return nil, fmt.Errorf("resolving redirect target %q: %w", location, err)
		}
		current = target
	}
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func (c *Client) getOnce(reqID, rawURL string, mode CacheMode) (*Response, error) {
	if mode == NoStore {
		return c.fetchUncached(reqID, rawURL)
	}

	key := responseCacheKey(http.MethodGet, rawURL)
	lock, err := c.responses.Lock(key)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	if f, ok := lock.Reader(); ok {
		entry, body, err := readCacheEntry(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if entry.isFresh(time.Now()) {
			return &Response{StatusCode: entry.Status, Header: entry.Header.Clone(), Body: body, CacheStatus: Fresh}, nil
		}
		if mode == OnlyIfCached {
			body.Close()
			return nil, &NotCached{URL: rawURL}
		}

		revalidated, changed, err := c.revalidate(reqID, rawURL, entry)
		if err != nil {
			body.Close()
			return nil, err
		}
		if !changed {
			body.Seek(0, io.SeekStart)
			return &Response{StatusCode: revalidated.Status, Header: revalidated.Header.Clone(), Body: body, CacheStatus: StaleButValidated}, nil
		}
		body.Close()

		return c.refetchAndStore(reqID, rawURL, lock, StaleAndChanged)
	}

	if mode == OnlyIfCached {
		return nil, &NotCached{URL: rawURL}
	}
	return c.refetchAndStore(reqID, rawURL, lock, Miss)
}

// revalidate performs a conditional GET using the cached entry's
// validators, returning the still-valid entry (changed=false) or a nil
// entry (changed=true, caller must refetch the body itself — this only
// checks headers, so a 200 response here always means "changed").
func (c *Client) revalidate(reqID, rawURL string, entry *cacheEntry) (*cacheEntry, bool, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, err
	}
	if etag := entry.Header.Get("ETag"); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lm := entry.Header.Get("Last-Modified"); lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	}

	resp, err := c.doWithRetry(reqID, req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		refreshed := &cacheEntry{Status: entry.Status, Header: entry.Header, StoredAt: time.Now()}
		return refreshed, false, nil
	}
	// any other status means the resource changed (or the conditional
	// request wasn't honored); caller will do a plain refetch.
	return nil, true, nil
}

func (c *Client) refetchAndStore(reqID, rawURL string, lock *store.KVFileLock, missStatus CacheStatus) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(reqID, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	entry := &cacheEntry{Status: resp.StatusCode, Header: resp.Header, StoredAt: time.Now()}
	if !entry.storable() {
		var buf strings.Builder
		io.Copy(&buf, resp.Body)
		return &Response{
			StatusCode:  resp.StatusCode,
			Header:      resp.Header.Clone(),
			Body:        nopSeekCloser{strings.NewReader(buf.String())},
			CacheStatus: Uncacheable,
		}, nil
	}

	w, err := lock.Begin()
	if err != nil {
		return nil, err
	}
	if err := writeCacheEntry(w, entry); err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, err
	}
	f, err := w.Commit()
	if err != nil {
		return nil, err
	}

	_, body, err := readCacheEntry(f)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: entry.Status, Header: entry.Header.Clone(), Body: body, CacheStatus: missStatus}, nil
}

func (c *Client) fetchUncached(reqID, rawURL string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(reqID, req)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: readSeekCloserFromBody(resp.Body), CacheStatus: Uncacheable}, nil
}

func readSeekCloserFromBody(body io.ReadCloser) io.ReadSeekCloser {
	defer body.Close()
	tmp, err := os.CreateTemp("", "envforge-body-*")
	if err != nil {
		var buf strings.Builder
		io.Copy(&buf, body)
		return nopSeekCloser{strings.NewReader(buf.String())}
	}
	io.Copy(tmp, body)
	tmp.Seek(0, io.SeekStart)
	return unlinkOnCloseFile{tmp}
}

// doWithRetry performs a single logical request (no redirect handling,
// that's one layer up), retrying on any transport error and on the
// statuses in retryStatuses, with exponential backoff of 250ms, 500ms,
// 1s, ... between attempts.
func (c *Client) doWithRetry(reqID string, req *http.Request) (*http.Response, error) {
	req.Header.Set("X-Request-Id", reqID)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
			c.logger.Debug("retrying request",
				slog.String("req_id", reqID),
				slog.String("url", req.URL.String()),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			time.Sleep(backoff)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &retryableError{err: &HttpTransport{URL: req.URL.String(), Err: err}}
			c.logger.Debug("request failed", slog.String("req_id", reqID), slog.String("error", err.Error()))
			continue
		}
		if retryStatuses[resp.StatusCode] {
			resp.Body.Close()
			lastErr = &retryableError{err: &HttpStatus{URL: req.URL.String(), Status: resp.StatusCode}}
			continue
		}
		return resp, nil
	}

	var re *retryableError
	if errors.As(lastErr, &re) {
		return nil, re.Unwrap()
	}
	return nil, lastErr
}

type nopSeekCloser struct{ *strings.Reader }

func (nopSeekCloser) Close() error { return nil }

// unlinkOnCloseFile deletes its backing temp file on Close, so an
// Uncacheable response's storage doesn't leak.
type unlinkOnCloseFile struct{ *os.File }

func (f unlinkOnCloseFile) Close() error {
	name := f.File.Name()
	err := f.File.Close()
	os.Remove(name)
	return err
}

// GetHashed fetches rawURL and returns its content verified against
// expected, using the artifact cache to skip the network entirely once a
// given hash has ever been fetched before.
func (c *Client) GetHashed(rawURL string, expected artifacthash.Hash, mode CacheMode) (io.ReadSeekCloser, error) {
	key := store.HashKey{Algorithm: string(expected.Algorithm), Digest: expected.Digest}

	if mode == OnlyIfCached {
		f, ok := c.artifacts.Get(key)
		if !ok {
			return nil, &NotCached{URL: rawURL}
		}
		return f, nil
	}
	if mode == NoStore {
		resp, err := c.fetchUncached(xid.New().String(), rawURL)
		if err != nil {
			return nil, err
		}
		return c.verifyAndDiscard(resp.Body, expected, rawURL)
	}

	f, err := c.artifacts.GetOrSet(key, func(w io.Writer) error {
		resp, err := c.Get(rawURL, NoStore)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		checker, err := artifacthash.NewChecker(w, expected)
		if err != nil {
			return err
		}
		if _, err := io.Copy(checker, resp.Body); err != nil {
			return err
		}
		if err := checker.Finish(); err != nil {
			return &HashMismatch{URL: rawURL, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Client) verifyAndDiscard(body io.ReadSeekCloser, expected artifacthash.Hash, rawURL string) (io.ReadSeekCloser, error) {
	defer body.Close()
	tmp, err := os.CreateTemp("", "envforge-artifact-*")
	if err != nil {
		return nil, err
	}
	checker, err := artifacthash.NewChecker(tmp, expected)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if _, err := io.Copy(checker, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := checker.Finish(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, &HashMismatch{URL: rawURL, Err: err}
	}
	tmp.Seek(0, io.SeekStart)
	return unlinkOnCloseFile{tmp}, nil
}

// cacheEntry is what's persisted ahead of a cached response body: its
// status, headers, and when it was stored (used with Cache-Control/Expires
// to compute freshness, and as the fallback clock for responses with no
// explicit freshness lifetime).
type cacheEntry struct {
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// writeCacheEntry writes entry as a fixed-size big-endian length prefix
// followed by its JSON encoding, so the reader can locate exactly where the
// body starts without depending on a decoder's internal buffering.
func writeCacheEntry(w io.Writer, entry *cacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (e *cacheEntry) storable() bool {
	if e.Status != http.StatusOK && e.Status != http.StatusNotFound {
		return false
	}
	cc := parseCacheControl(e.Header.Get("Cache-Control"))
	return !cc.noStore
}

func (e *cacheEntry) isFresh(now time.Time) bool {
	cc := parseCacheControl(e.Header.Get("Cache-Control"))
	if cc.noCache {
		return false
	}
	age := now.Sub(e.StoredAt)
	if cc.maxAge >= 0 {
		return age < time.Duration(cc.maxAge)*time.Second
	}
	if expires := e.Header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			return now.Before(t)
		}
	}
	// no explicit freshness lifetime: treat as fresh for a short grace
	// window so a burst of requests for the same index page within one
	// resolution run doesn't all hit the network, then fall back to
	// revalidation.
	return age < 60*time.Second
}

type cacheControl struct {
	noStore bool
	noCache bool
	maxAge  int // -1 if absent
}

func parseCacheControl(header string) cacheControl {
	cc := cacheControl{maxAge: -1}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		name, value, _ := strings.Cut(part, "=")
		switch strings.ToLower(name) {
		case "no-store":
			cc.noStore = true
		case "no-cache":
			cc.noCache = true
		case "max-age":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				cc.maxAge = n
			}
		}
	}
	return cc
}

// cachedBody wraps the file underlying a cache entry, trimmed to just the
// body region (the length-prefixed JSON cacheEntry header comes first in the
// file).
type cachedBody struct {
	*os.File
	bodyStart int64
}

func (b *cachedBody) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart {
		offset += b.bodyStart
	}
	pos, err := b.File.Seek(offset, whence)
	return pos - b.bodyStart, err
}

func (b *cachedBody) Read(p []byte) (int, error) { return b.File.Read(p) }

func readCacheEntry(f *os.File) (*cacheEntry, io.ReadSeekCloser, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading cache entry length: %w", err)
	}
	data := make([]byte, binary.BigEndian.Uint64(lenBuf[:]))
	if _, err := io.ReadFull(f, data); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading cache entry: %w", err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return &entry, &cachedBody{File: f, bodyStart: pos}, nil
}
