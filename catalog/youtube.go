package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Strum355/log"
	"github.com/kkdai/youtube/v2"
	"github.com/redis/go-redis/v9"
)

const (
	videoCacheTTL  = 1 * time.Hour
	maxResultsBody = 4 << 20
)

// ErrNoVideo means no playable video could be resolved for a song; the party
// skips the entry, it is not a fatal condition.
var ErrNoVideo = errors.New("catalog: no playable video found")

// Video identifies a playable video for the display player.
type Video struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	DurationMs int    `json:"durationMs,omitempty"`
}

// VideoFinder resolves a song to a playable video.
type VideoFinder interface {
	Find(ctx context.Context, title, artist string) (*Video, error)
}

// videoMetadata is the slice of the youtube client the finder uses.
type videoMetadata interface {
	GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
}

// YouTubeFinder resolves songs by scraping a results page for the first
// video id and confirming its metadata through the youtube client.
type YouTubeFinder struct {
	client    *http.Client
	yt        videoMetadata
	searchURL string
	cache     *redis.Client
}

// NewYouTubeFinder creates a finder. cache may be nil to disable caching.
func NewYouTubeFinder(cache *redis.Client) *YouTubeFinder {
	return &YouTubeFinder{
		client:    &http.Client{Timeout: requestTimeout},
		yt:        &youtube.Client{},
		searchURL: "https://www.youtube.com/results",
		cache:     cache,
	}
}

// Find resolves a song to a video. A more specific query yields better
// results, so the search is "<title> <artist> official audio", as the
// display player wants audio-first uploads.
func (f *YouTubeFinder) Find(ctx context.Context, title, artist string) (*Video, error) {
	key := fmt.Sprintf("ytvideo:%s|%s", strings.ToLower(title), strings.ToLower(artist))
	if f.cache != nil {
		if cached, err := f.cache.Get(ctx, key).Result(); err == nil {
			var v Video
			if err := json.Unmarshal([]byte(cached), &v); err == nil && v.ID != "" {
				return &v, nil
			}
		}
	}

	id, err := f.firstVideoID(ctx, fmt.Sprintf("%s %s official audio", title, artist))
	if err != nil {
		return nil, err
	}

	v := &Video{ID: id}
	if meta, err := f.yt.GetVideoContext(ctx, id); err == nil {
		v.Title = meta.Title
		v.DurationMs = int(meta.Duration / time.Millisecond)
	} else {
		// still playable by id, metadata is cosmetic
		log.WithError(err).WithFields(log.Fields{"video": id}).Warn("video metadata fetch failed")
	}

	if f.cache != nil {
		if data, err := json.Marshal(v); err == nil {
			if err := f.cache.Set(ctx, key, data, videoCacheTTL).Err(); err != nil {
				log.WithError(err).Warn("failed to cache video lookup")
			}
		}
	}
	return v, nil
}

func (f *YouTubeFinder) firstVideoID(ctx context.Context, query string) (string, error) {
	q := url.Values{}
	q.Set("search_query", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept-Language", "en")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoVideo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: results page returned %d", ErrNoVideo, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultsBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoVideo, err)
	}

	id, ok := extractVideoID(string(body))
	if !ok {
		return "", ErrNoVideo
	}
	return id, nil
}

// extractVideoID pulls the first `"videoId":"..."` occurrence out of a
// results page body.
func extractVideoID(body string) (string, bool) {
	const marker = `"videoId":"`
	i := strings.Index(body, marker)
	if i < 0 {
		return "", false
	}
	rest := body[i+len(marker):]
	end := strings.Index(rest, `"`)
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
