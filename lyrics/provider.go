package lyrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strum355/log"
	hostpool "github.com/bitly/go-hostpool"
	"github.com/redis/go-redis/v9"
)

const (
	fetchTimeout  = 8 * time.Second
	cacheTTL      = 1 * time.Hour
	maxLyricsBody = 1 << 20
)

// Result is one lyrics payload. Plain is the full text for the requester's
// static view; Synced carries the timed lines for the display, when the
// provider has them.
type Result struct {
	Plain  string `json:"plain"`
	Synced []Line `json:"synced,omitempty"`
}

// HasSynced reports whether the payload carries usable timed lines.
func (r *Result) HasSynced() bool { return len(r.Synced) > 0 }

// Provider fetches lyrics for a song.
type Provider interface {
	Fetch(ctx context.Context, artist, title string) (*Result, error)
}

// lrclib-style response body
type providerResponse struct {
	PlainLyrics  string `json:"plainLyrics"`
	SyncedLyrics string `json:"syncedLyrics"`
}

// HTTPProvider fetches lyrics over HTTP from a pool of mirror hosts,
// caching payloads (including misses) in redis.
type HTTPProvider struct {
	pool   hostpool.HostPool
	client *http.Client
	cache  *redis.Client
}

// NewHTTPProvider creates a provider over the given mirror base URLs, e.g.
// ["https://lrclib.net"]. cache may be nil to disable caching.
func NewHTTPProvider(hosts []string, cache *redis.Client) *HTTPProvider {
	return &HTTPProvider{
		pool:   hostpool.New(hosts),
		client: &http.Client{Timeout: fetchTimeout},
		cache:  cache,
	}
}

// Fetch retrieves lyrics for the given song. A song nobody has transcribed is
// ErrUnavailable, not a hard error.
func (p *HTTPProvider) Fetch(ctx context.Context, artist, title string) (*Result, error) {
	key := fmt.Sprintf("lyrics:%s|%s", strings.ToLower(artist), strings.ToLower(title))

	if p.cache != nil {
		if cached, err := p.cache.Get(ctx, key).Result(); err == nil {
			return decodeResult([]byte(cached))
		}
	}

	body, err := p.fetchBody(ctx, artist, title)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, string(body), cacheTTL).Err(); err != nil {
			log.WithError(err).Warn("failed to cache lyrics payload")
		}
	}
	return decodeResult(body)
}

func (p *HTTPProvider) fetchBody(ctx context.Context, artist, title string) ([]byte, error) {
	hr := p.pool.Get()
	host := hr.Host()

	q := url.Values{}
	q.Set("artist_name", artist)
	q.Set("track_name", title)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(host, "/")+"/api/get?"+q.Encode(), nil)
	if err != nil {
		hr.Mark(nil)
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		hr.Mark(err)
		log.WithError(err).WithFields(log.Fields{"host": host}).Warn("lyrics mirror unreachable")
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		hr.Mark(nil)
		// cacheable miss
		return []byte("{}"), nil
	case resp.StatusCode != http.StatusOK:
		hr.Mark(fmt.Errorf("lyrics: mirror returned %d", resp.StatusCode))
		return nil, ErrUnavailable
	}
	hr.Mark(nil)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLyricsBody))
	if err != nil {
		return nil, ErrUnavailable
	}
	return body, nil
}

func decodeResult(body []byte) (*Result, error) {
	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, ErrUnavailable
	}
	res := &Result{Plain: pr.PlainLyrics}
	if pr.SyncedLyrics != "" {
		res.Synced = ParseLRC(pr.SyncedLyrics)
	}
	if res.Plain == "" && !res.HasSynced() {
		return nil, ErrUnavailable
	}
	return res, nil
}
