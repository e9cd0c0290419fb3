package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyq/partyq/catalog"
	"github.com/partyq/partyq/lyrics"
)

type stubSearcher struct {
	tracks []catalog.Track
	err    error
}

func (s *stubSearcher) Search(ctx context.Context, query string) ([]catalog.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tracks, nil
}

func restFixture(t *testing.T, opts Options) *httptest.Server {
	ts := httptest.NewServer(NewRestMux(NewServer(opts)))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestPartyInfo(t *testing.T) {
	ts := restFixture(t, Options{})

	var info PartyInfoMsg
	getJSON(t, ts.URL+"/party", http.StatusOK, &info)
	assert.True(t, info.OK)
	assert.Zero(t, info.QueueLen)
	assert.False(t, info.NowPlaying)
}

func TestSearchEndpoint(t *testing.T) {
	ts := restFixture(t, Options{
		Search: &stubSearcher{tracks: []catalog.Track{
			{ID: "sp1", Title: "Africa", Artist: "Toto"},
		}},
	})

	var tracks []catalog.Track
	getJSON(t, ts.URL+"/search?q=africa", http.StatusOK, &tracks)
	require.Len(t, tracks, 1)
	assert.Equal(t, "Africa", tracks[0].Title)
}

func TestSearchMissingQuery(t *testing.T) {
	ts := restFixture(t, Options{Search: &stubSearcher{}})

	var body map[string]interface{}
	getJSON(t, ts.URL+"/search", http.StatusBadRequest, &body)
	assert.Equal(t, false, body["ok"])
}

func TestSearchFailure(t *testing.T) {
	ts := restFixture(t, Options{Search: &stubSearcher{err: catalog.ErrSearchFailed}})

	var body map[string]interface{}
	getJSON(t, ts.URL+"/search?q=x", http.StatusInternalServerError, &body)
	assert.Equal(t, false, body["ok"])
}

func TestLyricsEndpointSynced(t *testing.T) {
	ts := restFixture(t, Options{
		Lyrics: &stubLyrics{res: &lyrics.Result{
			Plain:  "one\ntwo",
			Synced: []lyrics.Line{{StartMs: 0, Text: "one"}, {StartMs: 4000, Text: "two"}},
		}},
	})

	var body struct {
		Type   string        `json:"type"`
		Lyrics []lyrics.Line `json:"lyrics"`
	}
	getJSON(t, ts.URL+"/lyrics?track_name=x&artist_name=y", http.StatusOK, &body)
	assert.Equal(t, "synced", body.Type)
	require.Len(t, body.Lyrics, 2)
	assert.Equal(t, int64(4000), body.Lyrics[1].StartMs)
}

func TestLyricsEndpointUnsynced(t *testing.T) {
	ts := restFixture(t, Options{
		Lyrics: &stubLyrics{res: &lyrics.Result{Plain: "just words"}},
	})

	var body struct {
		Type   string `json:"type"`
		Lyrics string `json:"lyrics"`
	}
	getJSON(t, ts.URL+"/lyrics?track_name=x&artist_name=y", http.StatusOK, &body)
	assert.Equal(t, "unsynced", body.Type)
	assert.Equal(t, "just words", body.Lyrics)
}

func TestLyricsEndpointUnavailable(t *testing.T) {
	ts := restFixture(t, Options{Lyrics: &stubLyrics{err: lyrics.ErrUnavailable}})

	var body struct {
		Type string `json:"type"`
	}
	getJSON(t, ts.URL+"/lyrics?track_name=x&artist_name=y", http.StatusNotFound, &body)
	assert.Equal(t, "none", body.Type)
}

func TestLyricsEndpointMissingParams(t *testing.T) {
	ts := restFixture(t, Options{Lyrics: &stubLyrics{}})

	var body map[string]interface{}
	getJSON(t, ts.URL+"/lyrics?track_name=x", http.StatusBadRequest, &body)
	assert.Equal(t, false, body["ok"])
}

func TestAdminAuthEndpoint(t *testing.T) {
	ts := restFixture(t, Options{AdminPassword: "pw"})

	post := func(payload string) (*http.Response, map[string]interface{}) {
		resp, err := http.Post(ts.URL+"/admin/auth", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := post(`{"password":"pw"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = post(`{"password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Invalid password", body["message"])

	resp, _ = post(`not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
