// Package httpreq is the HTTP Request Manager (spec §4.6): multiplexed
// request dispatch over net/http, retry with exponential backoff, a
// sha1(url)-keyed response cache, streaming/download delivery, and
// Server-Sent Events with a reconnection state machine.
package httpreq

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/ygrebnov/loom"
)

// Response is the settled value of a completed request (spec §4.6).
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// RetryConfig controls the retry pipeline (spec §6).
type RetryConfig struct {
	MaxRetries           int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BackoffMultiplier    float64
	Jitter               bool
	RetryableStatusCodes map[int]bool
	RetryableSubstrings  []string
}

// DefaultRetryConfig returns spec §6's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
		},
	}
}

func (rc RetryConfig) retryable(status int, err error) bool {
	if err != nil {
		for _, sub := range rc.RetryableSubstrings {
			if strings.Contains(err.Error(), sub) {
				return true
			}
		}
		return len(rc.RetryableSubstrings) == 0 && status == 0
	}
	return rc.RetryableStatusCodes[status]
}

// backoffPolicy builds a cenkalti/backoff/v5 exponential policy matching
// RetryConfig's base/max/multiplier/jitter knobs (spec §4.6 retry formula:
// delay = min(base * multiplier^(attempt-1), max) plus optional jitter).
func (rc RetryConfig) backoffPolicy() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = rc.BaseDelay
	eb.MaxInterval = rc.MaxDelay
	eb.Multiplier = rc.BackoffMultiplier
	if !rc.Jitter {
		eb.RandomizationFactor = 0
	} else {
		eb.RandomizationFactor = 0.25
	}
	return eb
}

// CacheConfig controls GET response caching (spec §4.6, §6).
type CacheConfig struct {
	TTL                   time.Duration
	RespectServerHeaders  bool
	Backend               CacheBackend
}

// DefaultCacheConfig returns spec §6's documented defaults.
func DefaultCacheConfig(backend CacheBackend) CacheConfig {
	return CacheConfig{TTL: time.Hour, RespectServerHeaders: true, Backend: backend}
}

// cacheEntry is the persisted shape spec §6 names: {body, status, headers, expires_at}.
type cacheEntry struct {
	Body      []byte
	Status    int
	Headers   http.Header
	ExpiresAt time.Time
	ETag      string
}

// CacheBackend persists cache entries keyed by sha1(url) (spec §6).
type CacheBackend interface {
	Get(key string) (cacheEntry, bool)
	Set(key string, entry cacheEntry)
}

// MemoryCache is an in-memory CacheBackend, modeled on the teacher pack's
// mutex-guarded-map-of-instruments idiom (metrics.BasicProvider).
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewMemoryCache constructs an empty in-memory cache.
func NewMemoryCache() *MemoryCache { return &MemoryCache{entries: make(map[string]cacheEntry)} }

func (c *MemoryCache) Get(key string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *MemoryCache) Set(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Options are spec §6's recognized fetch-style option keys, expressed as an
// idiomatic Go struct rather than a dynamic map.
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	Retry   *RetryConfig
	Cache   *CacheConfig
}

// Manager is the HTTP Request Manager. It implements loom.Manager so the
// loop drains completed transfers in the fixed per-tick position (spec
// §4.1 step 2, position 3).
type Manager struct {
	loop   *loom.EventLoop
	client *http.Client

	mu      sync.Mutex
	ready   []func()
	pending int
}

// NewManager constructs an HTTP Request Manager bound to loop. Call
// loop.SetHTTPManager(m) to wire it into the loop's tick.
func NewManager(loop *loom.EventLoop, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{}
	}
	return &Manager{loop: loop, client: client}
}

// DrainReady implements loom.Manager.
func (m *Manager) DrainReady() []func() {
	m.mu.Lock()
	batch := m.ready
	m.ready = nil
	m.mu.Unlock()
	return batch
}

// Pending implements loom.Manager.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending > 0 || len(m.ready) > 0
}

func (m *Manager) track()         { m.mu.Lock(); m.pending++; m.mu.Unlock() }
func (m *Manager) enqueue(f func()) {
	m.mu.Lock()
	m.ready = append(m.ready, f)
	m.pending--
	m.mu.Unlock()
}

// Fetch submits a request with the retry+cache pipeline spec §4.6 describes
// as a single collapsed path (resolving the source's FetchHandler/
// HttpHandler duplication per spec §9 Open Questions).
func (m *Manager) Fetch(ctx context.Context, url string, opts Options) *loom.CancellablePromise[*Response] {
	result := loom.NewCancellable[*Response](m.loop)
	id := uuid.New()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	if method == http.MethodGet && opts.Cache != nil && opts.Cache.Backend != nil {
		key := cacheKey(url)
		if entry, ok := opts.Cache.Backend.Get(key); ok && time.Now().Before(entry.ExpiresAt) {
			result.Resolve(&Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body})
			return result
		}
	}

	var reqCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	result.WithCancelHandler(cancel)

	m.track()
	go func() {
		resp, err := m.doWithRetry(reqCtx, id, method, url, opts)
		m.enqueue(func() {
			if err != nil {
				result.Reject(&loom.HTTPError{Err: err})
				return
			}
			result.Resolve(resp)
		})
	}()

	return result
}

func (m *Manager) doWithRetry(ctx context.Context, id uuid.UUID, method, url string, opts Options) (*Response, error) {
	rc := DefaultRetryConfig()
	if opts.Retry != nil {
		rc = *opts.Retry
	}

	var etag, lastModified string
	if opts.Cache != nil && opts.Cache.Backend != nil && opts.Cache.RespectServerHeaders {
		if entry, ok := opts.Cache.Backend.Get(cacheKey(url)); ok {
			etag = entry.ETag
		}
	}

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(opts.Body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}

		httpResp, err := m.client.Do(req)
		if err != nil {
			if opts.Retry != nil && rc.retryable(0, err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(httpResp.Body)

		if httpResp.StatusCode == http.StatusNotModified && opts.Cache != nil && opts.Cache.Backend != nil {
			if entry, ok := opts.Cache.Backend.Get(cacheKey(url)); ok {
				entry.ExpiresAt = expiryFor(httpResp.Header, opts.Cache)
				opts.Cache.Backend.Set(cacheKey(url), entry)
				return &Response{Status: http.StatusOK, Headers: entry.Headers, Body: entry.Body}, nil
			}
		}

		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			if method == http.MethodGet && opts.Cache != nil && opts.Cache.Backend != nil {
				opts.Cache.Backend.Set(cacheKey(url), cacheEntry{
					Body: body, Status: httpResp.StatusCode, Headers: httpResp.Header.Clone(),
					ExpiresAt: expiryFor(httpResp.Header, opts.Cache),
					ETag:      httpResp.Header.Get("ETag"),
				})
			}
			return &Response{Status: httpResp.StatusCode, Headers: httpResp.Header, Body: body}, nil
		}

		if opts.Retry != nil && rc.retryable(httpResp.StatusCode, nil) {
			return nil, fmt.Errorf("%s: retryable status %d", loom.Namespace, httpResp.StatusCode)
		}
		return &Response{Status: httpResp.StatusCode, Headers: httpResp.Header, Body: body}, nil
	}

	if opts.Retry == nil {
		return op()
	}

	maxTries := uint(rc.MaxRetries + 1)
	return backoff.Retry(ctx, op, backoff.WithBackOff(rc.backoffPolicy()), backoff.WithMaxTries(maxTries))
}

// expiryFor derives the expires-at timestamp from Cache-Control: max-age
// when RespectServerHeaders is set, else the configured TTL (spec §4.6
// Caching step 5).
func expiryFor(headers http.Header, cfg *CacheConfig) time.Time {
	if cfg.RespectServerHeaders {
		if cc := headers.Get("Cache-Control"); cc != "" {
			for _, directive := range strings.Split(cc, ",") {
				directive = strings.TrimSpace(directive)
				if strings.HasPrefix(directive, "max-age=") {
					if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil {
						return time.Now().Add(time.Duration(secs) * time.Second)
					}
				}
			}
		}
	}
	return time.Now().Add(cfg.TTL)
}
