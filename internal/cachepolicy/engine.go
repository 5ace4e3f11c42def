package cachepolicy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var ErrNoCache = errors.New("no cached response")

const DefaultGeneration = "cs-lacolombe-v5.0"

// DefaultPassthrough matches the third-party delivery/storage hosts the
// engine never intercepts.
var DefaultPassthrough = []string{"firebase", "googleapis", "cloudinary"}

// Request identifies one resource fetch. Destination mirrors the platform's
// fetch destination ("document", "image", ...); it selects the strategy and
// the offline fallback.
type Request struct {
	Method      string
	URL         string
	Destination string
}

type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	CapturedAt time.Time
	FromCache  bool
}

func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Fetcher performs the live network fetch for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return Response{}, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

type storedResponse struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	CapturedAt time.Time   `json:"capturedAt"`
}

type Options struct {
	// DBPath locates the bbolt file holding cache generations.
	DBPath string
	// Generation names the current cache generation.
	Generation string
	// Origin is the application host; only same-origin requests are cached.
	Origin string
	// Passthrough substrings exempt URLs from interception entirely.
	Passthrough []string
	// Manifest is the ordered asset list pre-populated at install.
	Manifest []string
	// RootURL is the navigation fallback of last resort.
	RootURL string
	// PlaceholderURL names the cached placeholder image for failed image
	// fetches.
	PlaceholderURL string
	Fetcher        Fetcher
	Logf           func(format string, args ...any)
	Now            func() time.Time
}

// Engine decides, per request, whether a resource is served from cache,
// network, or a fallback, and owns the cache-generation lifecycle. Each
// generation is one bbolt bucket; activation drops every non-current bucket.
type Engine struct {
	db *bbolt.DB

	mu         sync.Mutex
	generation string
	manifest   []string

	origin         string
	passthrough    []string
	rootURL        string
	placeholderURL string
	fetcher        Fetcher
	logf           func(format string, args ...any)
	now            func() time.Time
}

func New(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.DBPath) == "" {
		return nil, errors.New("cachepolicy: DBPath is required")
	}
	db, err := bbolt.Open(opts.DBPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cachepolicy: opening cache db: %w", err)
	}
	generation := opts.Generation
	if generation == "" {
		generation = DefaultGeneration
	}
	passthrough := opts.Passthrough
	if passthrough == nil {
		passthrough = DefaultPassthrough
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = HTTPFetcher{}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:             db,
		generation:     generation,
		manifest:       append([]string(nil), opts.Manifest...),
		origin:         opts.Origin,
		passthrough:    passthrough,
		rootURL:        opts.RootURL,
		placeholderURL: opts.PlaceholderURL,
		fetcher:        fetcher,
		logf:           logf,
		now:            now,
	}, nil
}

func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

func (e *Engine) Generation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

func (e *Engine) SetGeneration(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	e.mu.Lock()
	e.generation = name
	e.mu.Unlock()
}

func (e *Engine) SetManifest(urls []string) {
	e.mu.Lock()
	e.manifest = append([]string(nil), urls...)
	e.mu.Unlock()
}

// Install pre-populates the current generation from the asset manifest.
// Per-entry failures are logged and skipped; install is best-effort.
func (e *Engine) Install(ctx context.Context) error {
	e.mu.Lock()
	generation := e.generation
	manifest := append([]string(nil), e.manifest...)
	e.mu.Unlock()

	if err := e.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(generation))
		return err
	}); err != nil {
		return err
	}
	for _, assetURL := range manifest {
		resp, err := e.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URL: assetURL})
		if err != nil {
			e.logf("cachepolicy: install fetch %s: %v", assetURL, err)
			continue
		}
		if !resp.OK() {
			e.logf("cachepolicy: install fetch %s: status %d", assetURL, resp.Status)
			continue
		}
		if err := e.put(generation, http.MethodGet, assetURL, resp); err != nil {
			e.logf("cachepolicy: install store %s: %v", assetURL, err)
		}
	}
	return nil
}

// Activate deletes every generation whose name differs from the current one.
// Single-generation retention; there is no generation history.
func (e *Engine) Activate(context.Context) error {
	current := e.Generation()
	return e.db.Update(func(tx *bbolt.Tx) error {
		var stale [][]byte
		if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if string(name) != current {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Serve routes one request through the cache policy: passthrough hosts and
// non-idempotent methods go straight to the network, navigations are
// network-first, everything else same-origin is cache-first.
func (e *Engine) Serve(ctx context.Context, req Request) (Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if e.isPassthrough(req.URL) || !cacheableMethod(req.Method) || !e.sameOrigin(req.URL) {
		return e.fetcher.Fetch(ctx, req)
	}
	if req.Destination == "document" {
		return e.networkFirst(ctx, req), nil
	}
	return e.cacheFirst(ctx, req), nil
}

func (e *Engine) networkFirst(ctx context.Context, req Request) Response {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			if putErr := e.put(e.Generation(), req.Method, req.URL, resp); putErr != nil {
				e.logf("cachepolicy: caching %s: %v", req.URL, putErr)
			}
		}
		return resp
	}
	if cached, ok := e.Lookup(req.Method, req.URL); ok {
		return cached
	}
	if e.rootURL != "" {
		if cached, ok := e.Lookup(http.MethodGet, e.rootURL); ok {
			return cached
		}
	}
	return e.offlineResponse()
}

func (e *Engine) cacheFirst(ctx context.Context, req Request) Response {
	if cached, ok := e.Lookup(req.Method, req.URL); ok {
		return cached
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			if putErr := e.put(e.Generation(), req.Method, req.URL, resp); putErr != nil {
				e.logf("cachepolicy: caching %s: %v", req.URL, putErr)
			}
		}
		return resp
	}
	if req.Destination == "image" && e.placeholderURL != "" {
		if cached, ok := e.Lookup(http.MethodGet, e.placeholderURL); ok {
			return cached
		}
	}
	return e.offlineResponse()
}

// Lookup reads a stored response from the current generation.
func (e *Engine) Lookup(method, rawURL string) (Response, bool) {
	generation := e.Generation()
	var stored storedResponse
	found := false
	err := e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(generation))
		if bucket == nil {
			return nil
		}
		data := bucket.Get(cacheKey(method, rawURL))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		e.logf("cachepolicy: cache read %s: %v", rawURL, err)
		return Response{}, false
	}
	if !found {
		return Response{}, false
	}
	return Response{
		Status:     stored.Status,
		Header:     stored.Header,
		Body:       stored.Body,
		CapturedAt: stored.CapturedAt,
		FromCache:  true,
	}, true
}

func (e *Engine) put(generation, method, rawURL string, resp Response) error {
	stored := storedResponse{
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       resp.Body,
		CapturedAt: e.now(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return e.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(generation))
		if err != nil {
			return err
		}
		return bucket.Put(cacheKey(method, rawURL), data)
	})
}

func (e *Engine) offlineResponse() Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		Status:     http.StatusServiceUnavailable,
		Header:     header,
		Body:       []byte("Ressource indisponible hors ligne"),
		CapturedAt: e.now(),
	}
}

func (e *Engine) isPassthrough(rawURL string) bool {
	for _, fragment := range e.passthrough {
		if fragment != "" && strings.Contains(rawURL, fragment) {
			return true
		}
	}
	return false
}

func (e *Engine) sameOrigin(rawURL string) bool {
	if e.origin == "" {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, e.origin)
}

func cacheableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

func cacheKey(method, rawURL string) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte(' ')
	buf.WriteString(rawURL)
	return buf.Bytes()
}
