package sourcemap

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mcp-funnel/funnel/internal/logger"
)

// DefaultMaxBytes is the hard size ceiling on a fetched source map (spec
// §4.5: "e.g. 10 MiB").
const DefaultMaxBytes = 10 * 1024 * 1024

// DefaultTimeout is the default network timeout for http(s):// fetches.
const DefaultTimeout = 10 * time.Second

// Mapper loads and caches source maps, keyed by their canonical URL/path.
type Mapper struct {
	maxBytes int64
	timeout  time.Duration
	client   *http.Client

	mu         sync.Mutex
	cache      map[string]*Consumer
	lastAccess map[string]time.Time
}

// NewMapper constructs a Mapper. maxBytes<=0 and timeout<=0 fall back to
// DefaultMaxBytes/DefaultTimeout.
func NewMapper(maxBytes int64, timeout time.Duration) *Mapper {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mapper{
		maxBytes:   maxBytes,
		timeout:    timeout,
		client:     &http.Client{Timeout: timeout},
		cache:      make(map[string]*Consumer),
		lastAccess: make(map[string]time.Time),
	}
}

// Load fetches and parses the source map at mapURL, returning a cached
// Consumer on repeat calls with the same canonical key. mapURL may be a
// file:// URL, a bare filesystem path, an http(s):// URL, or an inline
// `data:` URI.
func (m *Mapper) Load(ctx context.Context, mapURL string) (*Consumer, error) {
	m.mu.Lock()
	if c, ok := m.cache[mapURL]; ok {
		m.lastAccess[mapURL] = time.Now()
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	data, err := m.fetch(ctx, mapURL)
	if err != nil {
		return nil, err
	}

	consumer, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing source map %s: %w", mapURL, err)
	}

	m.mu.Lock()
	m.cache[mapURL] = consumer
	m.lastAccess[mapURL] = time.Now()
	m.mu.Unlock()
	return consumer, nil
}

// EvictIdle drops cached entries whose last Load hit is older than maxAge,
// returning the number evicted. Called by the housekeeping sweep rather than
// on every Load, so a busy Mapper never pays eviction cost on the hot path.
func (m *Mapper) EvictIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, seen := range m.lastAccess {
		if seen.Before(cutoff) {
			delete(m.cache, key)
			delete(m.lastAccess, key)
			evicted++
		}
	}
	return evicted
}

// CacheSize reports the number of source maps currently cached, for metrics
// snapshots.
func (m *Mapper) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

func (m *Mapper) fetch(ctx context.Context, mapURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(mapURL, "data:"):
		return fetchDataURI(mapURL)
	case strings.HasPrefix(mapURL, "http://"), strings.HasPrefix(mapURL, "https://"):
		return m.fetchHTTP(ctx, mapURL)
	case strings.HasPrefix(mapURL, "file://"):
		u, err := url.Parse(mapURL)
		if err != nil {
			return nil, fmt.Errorf("invalid file URL %s: %w", mapURL, err)
		}
		return m.fetchFile(u.Path)
	default:
		return m.fetchFile(mapURL)
	}
}

func fetchDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI")
	}
	meta, payload := uri[5:comma], uri[comma+1:]
	if strings.Contains(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data URI: %w", err)
	}
	return []byte(decoded), nil
}

func (m *Mapper) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	return m.readCapped(resp.Body, rawURL)
}

func (m *Mapper) fetchFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source map %s: %w", path, err)
	}
	defer f.Close()
	return m.readCapped(f, path)
}

// readCapped reads up to maxBytes+1 from r, aborting without retaining a
// partial buffer if the size cap is exceeded — spec §8 boundary behavior:
// "Source map fetch over the size cap returns unavailable without
// retaining a partial buffer."
func (m *Mapper) readCapped(r io.Reader, source string) ([]byte, error) {
	limited := io.LimitReader(r, m.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	if int64(len(data)) > m.maxBytes {
		logger.Warn("source map %s exceeds size cap of %d bytes, discarding", source, m.maxBytes)
		return nil, fmt.Errorf("source map %s unavailable: exceeds %d byte cap", source, m.maxBytes)
	}
	return data, nil
}
