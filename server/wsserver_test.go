package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Strum355/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyq/partyq/catalog"
	"github.com/partyq/partyq/lyrics"
)

func TestMain(m *testing.M) {
	log.InitSimpleLogger(&log.Config{Output: io.Discard})
	os.Exit(m.Run())
}

type stubVideos struct {
	failTitle string
}

func (s *stubVideos) Find(ctx context.Context, title, artist string) (*catalog.Video, error) {
	if title == s.failTitle {
		return nil, catalog.ErrNoVideo
	}
	return &catalog.Video{ID: "vid-" + title}, nil
}

type stubLyrics struct {
	res *lyrics.Result
	err error
}

func (s *stubLyrics) Fetch(ctx context.Context, artist, title string) (*lyrics.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

type fixture struct {
	server *Server
	ts     *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	s := NewServer(opts)
	go s.Run()
	ts := httptest.NewServer(http.HandlerFunc(GetWSHandleFunc(s)))
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
	})
	return &fixture{server: s, ts: ts}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/?" + query
	d := websocket.Dialer{Subprotocols: []string{WebsocketSubprotocolMagicV1}}
	conn, _, err := d.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, m *Message) {
	t.Helper()
	b, err := m.Serialise()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, Deserialise(data, &m))
	return &m
}

// readType discards messages (typically interleaved snapshots) until one of
// the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ MessageType) *Message {
	t.Helper()
	for {
		m := readMessage(t, conn)
		if m.Type == typ {
			return m
		}
	}
}

// waitSnapshot reads until a snapshot satisfying pred arrives. Mutations are
// broadcast in order, so the wanted state always shows up or the read
// deadline trips.
func waitSnapshot(t *testing.T, conn *websocket.Conn, pred func(*SnapshotMessage) bool) *SnapshotMessage {
	t.Helper()
	for {
		m := readType(t, conn, MessageTypeSnapshot)
		s := m.Payload.(*SnapshotMessage)
		if pred(s) {
			return s
		}
	}
}

func enqueue(t *testing.T, conn *websocket.Conn, title string) {
	t.Helper()
	sendMessage(t, conn, &Message{
		Type: MessageTypeEnqueue,
		Payload: &EnqueueMessage{
			Track: catalog.Track{ID: "sp-" + title, Title: title, Artist: "The Testers"},
		},
	})
}

func TestJoinHelloAndSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "role=controller&nick=amy")

	m := readMessage(t, conn)
	require.Equal(t, MessageTypeHello, m.Type)
	hello := m.Payload.(*HelloMessage)
	assert.NotEmpty(t, hello.SessionID)
	assert.Equal(t, "controller", hello.Role)
	assert.Equal(t, "amy", hello.Nickname)

	m = readMessage(t, conn)
	require.Equal(t, MessageTypeSnapshot, m.Type)
	snap := m.Payload.(*SnapshotMessage)
	assert.Nil(t, snap.NowPlaying)
	assert.Empty(t, snap.Queue)
}

func TestSubprotocolRequired(t *testing.T) {
	f := newFixture(t, Options{})

	u := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "role=controller")

	sendMessage(t, conn, &Message{Type: MessageTypePing, Payload: &PingMessage{Timestamp: 123.5}})

	m := readType(t, conn, MessageTypePong)
	p := m.Payload.(*PongMessage)
	assert.Equal(t, 123.5, p.Timestamp)
	assert.GreaterOrEqual(t, p.SvcTime, 0.0)
}

func TestEnqueuePlaysFirstAndKeepsOrder(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "role=controller&nick=amy")

	titles := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	for _, title := range titles {
		enqueue(t, conn, title)
	}

	snap := waitSnapshot(t, conn, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && len(s.Queue) == 5
	})
	assert.Equal(t, "s1", snap.NowPlaying.Title)
	assert.Equal(t, "amy", snap.NowPlaying.RequestedBy)

	seen := map[string]bool{snap.NowPlaying.ID: true}
	for i, e := range snap.Queue {
		assert.Equal(t, titles[i+1], e.Title)
		assert.False(t, seen[e.ID], "duplicate entry id %s", e.ID)
		seen[e.ID] = true
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "role=controller")

	sendMessage(t, conn, &Message{
		Type:    MessageTypeEnqueue,
		Payload: &EnqueueMessage{Track: catalog.Track{ID: "sp-x"}},
	})

	m := readType(t, conn, MessageTypeError)
	assert.Equal(t, CodeValidation, m.Payload.(*ErrorMessage).Code)
	assert.Zero(t, f.server.party.store.Len())
}

func TestMutationsRequireAdmin(t *testing.T) {
	f := newFixture(t, Options{AdminPassword: "pw"})
	conn := f.dial(t, "role=controller")

	enqueue(t, conn, "s1")
	enqueue(t, conn, "s2")
	waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return len(s.Queue) == 1 })

	for _, m := range []*Message{
		{Type: MessageTypeMove, Payload: &MoveMessage{ID: "x", Index: 0}},
		{Type: MessageTypeRemove, Payload: &RemoveMessage{ID: "x"}},
		{Type: MessageTypeClear},
		{Type: MessageTypeSkip},
		{Type: MessageTypePlayerControl, Payload: &PlayerControlMessage{Action: "pause"}},
	} {
		sendMessage(t, conn, m)
		e := readType(t, conn, MessageTypeError)
		assert.Equal(t, CodeUnauthorized, e.Payload.(*ErrorMessage).Code)
	}

	// nothing got through the gate
	assert.Equal(t, 1, f.server.party.store.Len())
}

func TestAdminLoginAndQueueMutations(t *testing.T) {
	f := newFixture(t, Options{AdminPassword: "pw"})
	conn := f.dial(t, "role=admin")

	// wrong password keeps the session read-only
	sendMessage(t, conn, &Message{Type: MessageTypeAuthLogin, Payload: &LoginMessage{Password: "nope"}})
	m := readType(t, conn, MessageTypeError)
	assert.Equal(t, CodeAuthError, m.Payload.(*ErrorMessage).Code)

	sendMessage(t, conn, &Message{Type: MessageTypeClear})
	m = readType(t, conn, MessageTypeError)
	assert.Equal(t, CodeUnauthorized, m.Payload.(*ErrorMessage).Code)

	// retry with the right one
	sendMessage(t, conn, &Message{Type: MessageTypeAuthLogin, Payload: &LoginMessage{Password: "pw"}})
	readType(t, conn, MessageTypeAuthOK)

	for _, title := range []string{"a", "b", "c", "d"} {
		enqueue(t, conn, title)
	}
	snap := waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return len(s.Queue) == 3 })
	require.Equal(t, "a", snap.NowPlaying.Title)

	// dragging the head entry onto the third slides it in front of what was
	// there: [b c d] -> [c b d]
	sendMessage(t, conn, &Message{Type: MessageTypeMove, Payload: &MoveMessage{ID: snap.Queue[0].ID, Index: 2}})
	snap = waitSnapshot(t, conn, func(s *SnapshotMessage) bool {
		return len(s.Queue) == 3 && s.Queue[0].Title == "c"
	})
	assert.Equal(t, "b", snap.Queue[1].Title)
	assert.Equal(t, "d", snap.Queue[2].Title)

	sendMessage(t, conn, &Message{Type: MessageTypeRemove, Payload: &RemoveMessage{ID: snap.Queue[0].ID}})
	snap = waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return len(s.Queue) == 2 })
	assert.Equal(t, "b", snap.Queue[0].Title)
	assert.Equal(t, "d", snap.Queue[1].Title)

	// removing the same id again is an error
	sendMessage(t, conn, &Message{Type: MessageTypeRemove, Payload: &RemoveMessage{ID: snap.Queue[0].ID}})
	waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return len(s.Queue) == 1 })
	sendMessage(t, conn, &Message{Type: MessageTypeRemove, Payload: &RemoveMessage{ID: snap.Queue[0].ID}})
	m = readType(t, conn, MessageTypeError)
	assert.Equal(t, CodeNotFound, m.Payload.(*ErrorMessage).Code)

	sendMessage(t, conn, &Message{Type: MessageTypeClear})
	snap = waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return len(s.Queue) == 0 })
	assert.NotNil(t, snap.NowPlaying, "clear keeps the current song")

	// skip with an empty queue stops playback
	sendMessage(t, conn, &Message{Type: MessageTypeSkip})
	waitSnapshot(t, conn, func(s *SnapshotMessage) bool { return s.NowPlaying == nil })
}

func TestActiveLineBroadcast(t *testing.T) {
	synced := []lyrics.Line{
		{StartMs: 0, Text: "first line"},
		{StartMs: 5000, Text: "second line"},
	}
	f := newFixture(t, Options{
		Videos: &stubVideos{},
		Lyrics: &stubLyrics{res: &lyrics.Result{Plain: "first line\nsecond line", Synced: synced}},
	})
	display := f.dial(t, "role=display")
	controller := f.dial(t, "role=controller")

	enqueue(t, controller, "synced song")

	// wait for resolution to land before ticking the clock
	waitSnapshot(t, display, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.VideoID != ""
	})

	sendMessage(t, display, &Message{Type: MessageTypeProgress, Payload: &ProgressMessage{PositionMs: 5100}})
	m := readType(t, display, MessageTypeActiveLine)
	p := m.Payload.(*ActiveLineMessage)
	assert.Equal(t, 1, p.Line)
	require.Len(t, p.Lines, 2, "full timeline rides along on the first broadcast")
	assert.Equal(t, "second line", p.Lines[1].Text)

	// later ticks carry the index only
	sendMessage(t, display, &Message{Type: MessageTypeProgress, Payload: &ProgressMessage{PositionMs: 5200}})
	m = readType(t, display, MessageTypeActiveLine)
	p = m.Payload.(*ActiveLineMessage)
	assert.Equal(t, 1, p.Line)
	assert.Empty(t, p.Lines)
}

func TestLateDisplayGetsTimeline(t *testing.T) {
	synced := []lyrics.Line{
		{StartMs: 0, Text: "first line"},
		{StartMs: 5000, Text: "second line"},
	}
	f := newFixture(t, Options{
		Videos: &stubVideos{},
		Lyrics: &stubLyrics{res: &lyrics.Result{Plain: "first line\nsecond line", Synced: synced}},
	})
	controller := f.dial(t, "role=controller")

	enqueue(t, controller, "synced song")
	snap := waitSnapshot(t, controller, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.VideoID != ""
	})

	// a display connecting after resolution still gets the full timeline
	display := f.dial(t, "role=display")
	m := readType(t, display, MessageTypeActiveLine)
	p := m.Payload.(*ActiveLineMessage)
	assert.Equal(t, snap.NowPlaying.ID, p.SongID)
	assert.Equal(t, -1, p.Line)
	require.Len(t, p.Lines, 2)
	assert.Equal(t, "second line", p.Lines[1].Text)
}

func TestJoinAfterShutdown(t *testing.T) {
	s := NewServer(Options{})
	go s.Run()
	ts := httptest.NewServer(http.HandlerFunc(GetWSHandleFunc(s)))
	t.Cleanup(ts.Close)

	s.Shutdown()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	d := websocket.Dialer{Subprotocols: []string{WebsocketSubprotocolMagicV1}}
	conn, _, err := d.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the handler must hand the connection back promptly, not hang; the
	// client sees a close frame rather than a read timeout
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.IsType(t, &websocket.CloseError{}, err)
}

func TestProgressWithoutSyncedLyrics(t *testing.T) {
	f := newFixture(t, Options{
		Videos: &stubVideos{},
		Lyrics: &stubLyrics{err: lyrics.ErrUnavailable},
	})
	display := f.dial(t, "role=display")

	enqueue(t, display, "plain song")
	waitSnapshot(t, display, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.VideoID != ""
	})

	sendMessage(t, display, &Message{Type: MessageTypeProgress, Payload: &ProgressMessage{PositionMs: 30000}})
	m := readType(t, display, MessageTypeActiveLine)
	p := m.Payload.(*ActiveLineMessage)
	assert.Equal(t, -1, p.Line)
	assert.Empty(t, p.Lines)
}

func TestUnresolvableVideoSkipsSong(t *testing.T) {
	f := newFixture(t, Options{Videos: &stubVideos{failTitle: "bad"}})
	conn := f.dial(t, "role=controller")

	enqueue(t, conn, "bad")
	enqueue(t, conn, "good")

	snap := waitSnapshot(t, conn, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.Title == "good"
	})
	assert.Empty(t, snap.Queue)
}

func TestFinishedAdvancesQueue(t *testing.T) {
	f := newFixture(t, Options{})
	display := f.dial(t, "role=display")

	enqueue(t, display, "s1")
	enqueue(t, display, "s2")
	waitSnapshot(t, display, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.Title == "s1" && len(s.Queue) == 1
	})

	sendMessage(t, display, &Message{Type: MessageTypeFinished})
	waitSnapshot(t, display, func(s *SnapshotMessage) bool {
		return s.NowPlaying != nil && s.NowPlaying.Title == "s2" && len(s.Queue) == 0
	})
}

func TestPlayerRelays(t *testing.T) {
	f := newFixture(t, Options{AdminPassword: "pw"})
	display := f.dial(t, "role=display")
	admin := f.dial(t, "role=admin")

	sendMessage(t, admin, &Message{Type: MessageTypeAuthLogin, Payload: &LoginMessage{Password: "pw"}})
	readType(t, admin, MessageTypeAuthOK)

	sendMessage(t, admin, &Message{Type: MessageTypePlayerControl, Payload: &PlayerControlMessage{Action: "pause"}})
	m := readType(t, display, MessageTypePlayerControl)
	assert.Equal(t, "pause", m.Payload.(*PlayerControlMessage).Action)

	sendMessage(t, admin, &Message{Type: MessageTypePlayerVolume, Payload: &PlayerVolumeMessage{Level: 0.4}})
	m = readType(t, display, MessageTypePlayerVolume)
	assert.Equal(t, 0.4, m.Payload.(*PlayerVolumeMessage).Level)

	// status flows the other way, display to admins
	sendMessage(t, display, &Message{Type: MessageTypePlayerStatus, Payload: &PlayerStatusMessage{State: 2}})
	m = readType(t, admin, MessageTypePlayerStatus)
	assert.Equal(t, 2, m.Payload.(*PlayerStatusMessage).State)
}

func TestInvalidMessageGetsErrorReply(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "role=controller")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no.such.type"}`)))
	m := readType(t, conn, MessageTypeError)
	assert.Equal(t, CodeBadMessage, m.Payload.(*ErrorMessage).Code)
}
