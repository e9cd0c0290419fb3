package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Strum355/log"
	"github.com/gorilla/mux"

	"github.com/partyq/partyq/lyrics"
)

type PartyInfoMsg struct {
	OK         bool `json:"ok"`
	QueueLen   int  `json:"queueLength"`
	NowPlaying bool `json:"nowPlaying"`
}

type AdminAuthMsg struct {
	Password string `json:"password"`
}

type lyricsMsg struct {
	Type   string      `json:"type"`
	Lyrics interface{} `json:"lyrics,omitempty"`
}

func RespondWithJSON(m interface{}, statusCode int, w http.ResponseWriter) {

	payload, _ := json.Marshal(m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(payload)
}

func RespondWithError(reason string, statusCode int, w http.ResponseWriter) {
	RespondWithJSON(map[string]interface{}{
		"ok":     false,
		"reason": reason,
	}, statusCode, w)
}

func getPartyInfo(s *Server, w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(&PartyInfoMsg{
		OK:         true,
		QueueLen:   s.party.store.Len(),
		NowPlaying: s.party.playing.Load(),
	}, http.StatusOK, w)
}

// searchTracks proxies the free-text catalog search for controllers.
func searchTracks(s *Server, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		RespondWithError("query parameter \"q\" is required", http.StatusBadRequest, w)
		return
	}
	if s.search == nil {
		RespondWithError("search is not configured", http.StatusServiceUnavailable, w)
		return
	}

	tracks, err := s.search.Search(r.Context(), q)
	if err != nil {
		log.WithError(err).Error("catalog search failed")
		RespondWithError("failed to search tracks", http.StatusInternalServerError, w)
		return
	}
	RespondWithJSON(tracks, http.StatusOK, w)
}

// getLyrics serves the requester's static view: synced lines when the
// provider has them, plain text otherwise.
func getLyrics(s *Server, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	track := q.Get("track_name")
	artist := q.Get("artist_name")
	if track == "" || artist == "" {
		RespondWithError("track_name and artist_name are required", http.StatusBadRequest, w)
		return
	}
	if s.lyrics == nil {
		RespondWithJSON(&lyricsMsg{Type: "none"}, http.StatusNotFound, w)
		return
	}

	res, err := s.lyrics.Fetch(r.Context(), artist, track)
	if err != nil {
		if !errors.Is(err, lyrics.ErrUnavailable) {
			log.WithError(err).Error("lyrics fetch failed")
		}
		RespondWithJSON(&lyricsMsg{Type: "none"}, http.StatusNotFound, w)
		return
	}

	if res.HasSynced() {
		RespondWithJSON(&lyricsMsg{Type: "synced", Lyrics: res.Synced}, http.StatusOK, w)
		return
	}
	RespondWithJSON(&lyricsMsg{Type: "unsynced", Lyrics: res.Plain}, http.StatusOK, w)
}

// adminAuth checks the shared admin secret for the admin panel's login view.
// The websocket session still authenticates separately via auth.login.
func adminAuth(s *Server, w http.ResponseWriter, r *http.Request) {
	var msg AdminAuthMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		RespondWithError("malformed request body", http.StatusBadRequest, w)
		return
	}
	if s.adminPassword == "" || msg.Password != s.adminPassword {
		RespondWithJSON(map[string]interface{}{
			"success": false,
			"message": "Invalid password",
		}, http.StatusUnauthorized, w)
		return
	}
	RespondWithJSON(map[string]interface{}{"success": true}, http.StatusOK, w)
}

// NewRestMux makes the RESTful API servemux of server
func NewRestMux(server *Server) *mux.Router {
	restMux := mux.NewRouter().StrictSlash(true)
	restMux.HandleFunc("/party", func(w http.ResponseWriter, r *http.Request) {
		getPartyInfo(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		searchTracks(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/lyrics", func(w http.ResponseWriter, r *http.Request) {
		getLyrics(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/admin/auth", func(w http.ResponseWriter, r *http.Request) {
		adminAuth(server, w, r)
	}).Methods("POST")
	return restMux
}
