// Package catalog looks up songs against the external music catalog and
// resolves playable videos for the display player.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Strum355/log"
	"github.com/redis/go-redis/v9"
)

const (
	searchLimit    = 10
	searchCacheTTL = 10 * time.Minute
	requestTimeout = 10 * time.Second
)

// ErrSearchFailed wraps catalog lookups that could not be served at all.
var ErrSearchFailed = errors.New("catalog: search failed")

// Track is one search candidate, in the shape the clients render: joined
// artist names, largest cover image, and the explicit flag for the "E" badge.
type Track struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Album      string `json:"album,omitempty"`
	CoverArt   string `json:"coverArt,omitempty"`
	DurationMs int    `json:"duration_ms"`
	Explicit   bool   `json:"explicit"`
}

// Searcher is the free-text catalog lookup the broker depends on.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Track, error)
}

// SpotifyClient is a client-credentials catalog client. The access token is
// fetched lazily and renewed halfway through its validity; a 401 on search
// forces one refresh-and-retry.
type SpotifyClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	apiURL       string
	client       *http.Client
	cache        *redis.Client

	mu          sync.Mutex
	accessToken string
	renewAfter  time.Time
}

// SpotifyOption tweaks a SpotifyClient; used by tests to point at stub servers.
type SpotifyOption func(*SpotifyClient)

// WithSpotifyEndpoints overrides the token and API base URLs.
func WithSpotifyEndpoints(tokenURL, apiURL string) SpotifyOption {
	return func(c *SpotifyClient) {
		c.tokenURL = tokenURL
		c.apiURL = apiURL
	}
}

// NewSpotifyClient creates a catalog client. cache may be nil to disable
// search result caching.
func NewSpotifyClient(clientID, clientSecret string, cache *redis.Client, opts ...SpotifyOption) *SpotifyClient {
	c := &SpotifyClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     "https://accounts.spotify.com/api/token",
		apiURL:       "https://api.spotify.com",
		client:       &http.Client{Timeout: requestTimeout},
		cache:        cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type searchResponse struct {
	Tracks struct {
		Items []trackItem `json:"items"`
	} `json:"tracks"`
}

type trackItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMs int    `json:"duration_ms"`
	Explicit   bool   `json:"explicit"`
	Album      struct {
		Name   string `json:"name"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"album"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
}

// Search runs a free-text track search and maps the response to Tracks.
func (c *SpotifyClient) Search(ctx context.Context, query string) ([]Track, error) {
	key := "search:" + strings.ToLower(strings.TrimSpace(query))
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key).Result(); err == nil {
			var tracks []Track
			if err := json.Unmarshal([]byte(cached), &tracks); err == nil {
				return tracks, nil
			}
		}
	}

	tracks, err := c.search(ctx, query, true)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(tracks); err == nil {
			if err := c.cache.Set(ctx, key, data, searchCacheTTL).Err(); err != nil {
				log.WithError(err).Warn("failed to cache search results")
			}
		}
	}
	return tracks, nil
}

func (c *SpotifyClient) search(ctx context.Context, query string, retryAuth bool) ([]Track, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("type", "track")
	q.Set("limit", fmt.Sprintf("%d", searchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/v1/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		// token may have expired early, force a refresh and retry once
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
		return c.search(ctx, query, false)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog returned %d", ErrSearchFailed, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	tracks := make([]Track, 0, len(sr.Tracks.Items))
	for _, item := range sr.Tracks.Items {
		names := make([]string, 0, len(item.Artists))
		for _, a := range item.Artists {
			names = append(names, a.Name)
		}
		t := Track{
			ID:         item.ID,
			Title:      item.Name,
			Artist:     strings.Join(names, ", "),
			Album:      item.Album.Name,
			DurationMs: item.DurationMs,
			Explicit:   item.Explicit,
		}
		if len(item.Album.Images) > 0 {
			t.CoverArt = item.Album.Images[0].URL
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// token returns a valid access token, renewing it once half its validity has
// elapsed.
func (c *SpotifyClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.renewAfter) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrSearchFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrSearchFailed)
	}

	c.accessToken = tr.AccessToken
	c.renewAfter = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second / 2)
	log.WithFields(log.Fields{"expires_in": tr.ExpiresIn}).Info("catalog access token refreshed")
	return c.accessToken, nil
}
