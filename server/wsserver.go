// Package server is the synchronization broker: it owns the party's
// websocket sessions, serializes every queue mutation through one manager
// goroutine, and fans the resulting snapshots out to all connected clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Strum355/log"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/partyq/partyq/catalog"
	"github.com/partyq/partyq/lyrics"
	"github.com/partyq/partyq/queue"
)

const (
	WebsocketSubprotocolMagicV1 = "partyq_v1"
)

const (
	wsReadBufferSize      = 1024
	wsWriteBufferSize     = 1024
	partyMessageQueueSize = 256
	clientSendQueueSize   = 32
	clientRecvQueueSize   = 32
	doCheckSubprotocol    = true
)

const (
	WriteWait      = 10 * time.Second
	ResolveTimeout = 20 * time.Second
)

// Role determines which commands a session may issue and which broadcast
// channels it receives.
type Role int

const (
	RoleController Role = iota
	RoleAdmin
	RoleDisplay
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleDisplay:
		return "display"
	default:
		return "controller"
	}
}

// ParseRole maps a client-supplied role name; unknown names become controller.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "display":
		return RoleDisplay
	default:
		return RoleController
	}
}

// Server encapsulates server-level global data: the single party and the
// external collaborators it plays against.
type Server struct {
	party         *Party
	search        catalog.Searcher
	videos        catalog.VideoFinder
	lyrics        lyrics.Provider
	adminPassword string
}

// Options carries the server's collaborators. Search, Videos and Lyrics may
// each be nil; the corresponding feature degrades softly.
type Options struct {
	AdminPassword string
	Search        catalog.Searcher
	Videos        catalog.VideoFinder
	Lyrics        lyrics.Provider
}

// NewServer creates a new server struct with an empty party.
func NewServer(opts Options) *Server {
	s := &Server{
		search:        opts.Search,
		videos:        opts.Videos,
		lyrics:        opts.Lyrics,
		adminPassword: opts.AdminPassword,
	}
	s.party = newParty(s)
	return s
}

// Run manages server s until Shutdown.
func (s *Server) Run() {
	s.party.RunManager()
}

// Shutdown stops the party manager and disconnects all sessions.
func (s *Server) Shutdown() {
	s.party.close()
}

// resolveResult is what the async video/lyrics resolution reports back to the
// party goroutine.
type resolveResult struct {
	entryID  string
	video    *catalog.Video
	videoErr error
	lyr      *lyrics.Result
}

// Party owns all mutable playback state and manages the connected sessions.
// Only the manager goroutine touches its fields: every queue mutation runs to
// completion there before the next one starts, and each completed mutation is
// followed by a full-snapshot broadcast, so every session observes snapshots
// in mutation order.
type Party struct {
	store     *queue.Store
	clients   map[string]*ClientConn
	recvQueue chan *Message
	enqClient chan *ClientConn
	deqClient chan *ClientConn
	resolved  chan *resolveResult
	closing   chan bool
	server    *Server

	nowPlaying *queue.Entry
	timeline   *lyrics.Timeline
	cursor     *lyrics.Cursor
	lineSent   bool

	// mirrors nowPlaying != nil for readers outside the manager goroutine
	playing atomic.Bool
}

func newParty(s *Server) *Party {
	return &Party{
		store:     queue.NewStore(),
		clients:   make(map[string]*ClientConn),
		recvQueue: make(chan *Message, partyMessageQueueSize),
		enqClient: make(chan *ClientConn),
		deqClient: make(chan *ClientConn),
		resolved:  make(chan *resolveResult, 4),
		closing:   make(chan bool),
		server:    s,
	}
}

func (p *Party) close() {
	close(p.closing)
}

// RunManager manages party p.
func (p *Party) RunManager() {
	defer func() {
		for _, c := range p.clients {
			p.killClient(c)
		}
	}()
	for {
		select {
		case m := <-p.recvQueue:
			p.handleMessage(m)
		case c := <-p.enqClient:
			p.joinClient(c)
		case c := <-p.deqClient:
			p.killClient(c)
		case r := <-p.resolved:
			p.applyResolved(r)
		case <-p.closing:
			return
		}
	}
}

func (p *Party) joinClient(c *ClientConn) {
	if nil != c {
		p.clients[c.GetID()] = c
		p.send(c, p.snapshotMessage())
		// a display joining mid-song still needs the full timeline, which
		// otherwise only rides the first active-line broadcast of the song
		if c.role == RoleDisplay && p.timeline != nil && p.nowPlaying != nil {
			p.send(c, &Message{
				Type: MessageTypeActiveLine,
				Payload: &ActiveLineMessage{
					SongID: p.nowPlaying.ID,
					Line:   p.cursor.Current(),
					Lines:  p.timeline.Lines(),
				},
			})
		}
	}
}

// killClient removes a client from party p, NOT thread-safe
func (p *Party) killClient(c *ClientConn) {
	if nil != c {
		if _c, ok := p.clients[c.GetID()]; ok && (_c == c) {
			log.WithFields(log.Fields{
				"cid":  c.GetID(),
				"addr": c.GetRemoteAddr(),
			}).Info("removing client")
			delete(p.clients, c.GetID())
			c.Finalise()
		}
	}
}

// send enqueues m for one client without ever blocking the manager
// goroutine; a client whose send queue is full is disconnected instead.
func (p *Party) send(c *ClientConn, m *Message) {
	select {
	case c.sendQueue <- m:
	default:
		log.WithFields(log.Fields{"cid": c.GetID()}).Warn("client send queue full, dropping client")
		p.killClient(c)
	}
}

func (p *Party) snapshotMessage() *Message {
	// copy nowPlaying: the serialized payload outlives this mutation
	var np *queue.Entry
	if p.nowPlaying != nil {
		cp := *p.nowPlaying
		np = &cp
	}
	return &Message{
		Type: MessageTypeSnapshot,
		Payload: &SnapshotMessage{
			NowPlaying: np,
			Queue:      p.store.List(),
		},
	}
}

// broadcastSnapshot sends the full current queue to every connected session.
func (p *Party) broadcastSnapshot() {
	m := p.snapshotMessage()
	for _, c := range p.clients {
		p.send(c, m)
	}
}

// broadcastToRole sends m to sessions holding the given role only.
func (p *Party) broadcastToRole(role Role, m *Message) {
	for _, c := range p.clients {
		if c.role == role {
			p.send(c, m)
		}
	}
}

func (p *Party) replyError(sender string, code, reason string) {
	if c, ok := p.clients[sender]; ok {
		p.send(c, errorMessage(code, reason))
	}
}

func (p *Party) handleMessage(m *Message) {
	switch m.Type {
	case MessageTypeEnqueue:
		p.handleEnqueue(m)
	case MessageTypeMove:
		mv := m.Payload.(*MoveMessage)
		if err := p.store.Move(mv.ID, mv.Index); err != nil {
			p.replyError(m.Sender, CodeNotFound, err.Error())
			return
		}
		p.broadcastSnapshot()
	case MessageTypeRemove:
		rm := m.Payload.(*RemoveMessage)
		if err := p.store.Remove(rm.ID); err != nil {
			p.replyError(m.Sender, CodeNotFound, err.Error())
			return
		}
		p.broadcastSnapshot()
	case MessageTypeClear:
		p.store.Clear()
		p.broadcastSnapshot()
	case MessageTypeSkip, MessageTypeFinished:
		p.playNext()
	case MessageTypeProgress:
		p.handleProgress(m.Payload.(*ProgressMessage))
	case MessageTypePlayerControl, MessageTypePlayerVolume, MessageTypePlayerReload:
		p.broadcastToRole(RoleDisplay, &Message{Type: m.Type, Payload: m.Payload})
	case MessageTypePlayerStatus:
		p.broadcastToRole(RoleAdmin, &Message{Type: m.Type, Payload: m.Payload})
	}
}

func (p *Party) handleEnqueue(m *Message) {
	eq := m.Payload.(*EnqueueMessage)

	nickname := ""
	if c, ok := p.clients[m.Sender]; ok {
		nickname = c.nickname
	}

	t := eq.Track
	_, err := p.store.Enqueue(queue.Entry{
		TrackID:     t.ID,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		CoverArt:    t.CoverArt,
		DurationMs:  t.DurationMs,
		Explicit:    t.Explicit,
		RequestedBy: nickname,
		Lyrics:      eq.Lyrics,
	})
	if err != nil {
		p.replyError(m.Sender, CodeValidation, err.Error())
		return
	}

	log.WithFields(log.Fields{
		"title":       t.Title,
		"artist":      t.Artist,
		"requestedBy": nickname,
	}).Info("song added to queue")

	if p.nowPlaying == nil {
		p.playNext()
	} else {
		p.broadcastSnapshot()
	}
}

// playNext pops the queue head into nowPlaying and kicks off video/lyrics
// resolution for it. Called on enqueue-to-idle, reported song end, and admin
// skip.
func (p *Party) playNext() {
	p.timeline = nil
	p.cursor = nil
	p.lineSent = false

	e, ok := p.store.PopFront()
	if !ok {
		if p.nowPlaying != nil {
			log.Info("queue is empty, playback stopped")
		}
		p.nowPlaying = nil
		p.playing.Store(false)
		p.broadcastSnapshot()
		return
	}

	p.nowPlaying = &e
	p.playing.Store(true)
	p.broadcastSnapshot()
	go p.resolve(e)
}

// resolve runs off the manager goroutine: it may block on the network.
// Results come back through p.resolved.
func (p *Party) resolve(e queue.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), ResolveTimeout)
	defer cancel()

	r := &resolveResult{entryID: e.ID}

	if p.server.videos != nil {
		r.video, r.videoErr = p.server.videos.Find(ctx, e.Title, e.Artist)
	}
	if p.server.lyrics != nil {
		lyr, err := p.server.lyrics.Fetch(ctx, e.Artist, e.Title)
		if err != nil {
			if !errors.Is(err, lyrics.ErrUnavailable) {
				log.WithError(err).WithFields(log.Fields{"title": e.Title}).Warn("lyrics fetch failed")
			}
		} else {
			r.lyr = lyr
		}
	}

	select {
	case p.resolved <- r:
	case <-p.closing:
	}
}

func (p *Party) applyResolved(r *resolveResult) {
	if p.nowPlaying == nil || p.nowPlaying.ID != r.entryID {
		// stale: the song was skipped while we were resolving
		return
	}

	if p.server.videos != nil && r.videoErr != nil {
		log.WithError(r.videoErr).WithFields(log.Fields{
			"title":  p.nowPlaying.Title,
			"artist": p.nowPlaying.Artist,
		}).Warn("no playable video, skipping")
		p.playNext()
		return
	}

	if r.video != nil {
		p.nowPlaying.VideoID = r.video.ID
	}
	if r.lyr != nil {
		if p.nowPlaying.Lyrics == "" {
			p.nowPlaying.Lyrics = r.lyr.Plain
		}
		if r.lyr.HasSynced() {
			if tl, err := lyrics.NewTimeline(r.lyr.Synced); err == nil {
				p.timeline = tl
				p.cursor = lyrics.NewCursor(tl)
			}
		}
	}
	p.broadcastSnapshot()
}

// handleProgress turns a playback-clock tick into an active-line broadcast
// for display sessions. Without a timed timeline the tick is acknowledged
// with line -1 so displays can show their "no lyrics" state.
func (p *Party) handleProgress(pr *ProgressMessage) {
	if p.nowPlaying == nil {
		return
	}

	line := -1
	var lines []lyrics.Line
	if p.cursor != nil {
		line = p.cursor.Advance(pr.PositionMs)
		if !p.lineSent {
			lines = p.timeline.Lines()
			p.lineSent = true
		}
	}

	p.broadcastToRole(RoleDisplay, &Message{
		Type: MessageTypeActiveLine,
		Payload: &ActiveLineMessage{
			SongID: p.nowPlaying.ID,
			Line:   line,
			Lines:  lines,
		},
	})
}

var wsUpgrader = GetWSUpgrader()

// GetWSUpgrader returns the websocket upgrader for use with partyq
func GetWSUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		Subprotocols: []string{
			WebsocketSubprotocolMagicV1,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		}, //disable origin check
	}
}

// ClientConn encapsulates an established client websocket connection
type ClientConn struct {
	ID        string
	conn      *websocket.Conn
	recvQueue chan *Message
	sendQueue chan *Message
	closing   chan bool
	role      Role
	nickname  string
	authed    atomic.Bool
	party     *Party
}

func (c *ClientConn) GetID() string         { return c.ID }
func (c *ClientConn) GetRemoteAddr() string { return c.conn.RemoteAddr().String() }
func (c *ClientConn) GetRole() Role         { return c.role }

// isAdmin reports whether this session holds the admin capability.
func (c *ClientConn) isAdmin() bool { return c.authed.Load() }

// Finalise is run by the party manager goroutine. The send queue is left
// open so late replies from the client goroutines cannot hit a closed
// channel; the write pump exits through the closing signal.
func (c *ClientConn) Finalise() {
	close(c.closing)
}

// deregister hands the connection back to the party manager without hanging
// forever if the party is already shutting down.
func (c *ClientConn) deregister() {
	select {
	case c.party.deqClient <- c:
	case <-c.party.closing:
	}
}

// NewClientConn creates a client websocket connection wrapper
func NewClientConn(id string, party *Party, conn *websocket.Conn, role Role, nickname string) *ClientConn {
	return &ClientConn{
		ID:        id,
		conn:      conn,
		recvQueue: make(chan *Message, clientRecvQueueSize),
		sendQueue: make(chan *Message, clientSendQueueSize),
		closing:   make(chan bool),
		role:      role,
		nickname:  nickname,
		party:     party,
	}
}

// the goroutine that runs this function reads from c.conn
func (c *ClientConn) readPump() {
	defer func() {
		close(c.recvQueue)
		c.deregister()
	}()
	for {
		select {
		case <-c.closing:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if nil != err {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.WithError(err).Error("unexpected websocket closure")
				}
				return
			}
			var msg Message
			if err := Deserialise(data, &msg); err != nil {
				log.WithFields(log.Fields{"data": string(data)}).Info("invalid message")
				select {
				case c.sendQueue <- errorMessage(CodeBadMessage, err.Error()):
				default:
				}
				continue
			}
			select {
			case c.recvQueue <- &msg:
			case <-c.closing:
				return
			}
		}
	}
}

// the goroutine that runs this function writes to c.conn
func (c *ClientConn) writePump() {
	defer func() {
		c.conn.Close()
		c.deregister()
	}()
	for {
		select {
		case msg := <-c.sendQueue:
			if msg.Type == MessageTypePong {
				// compute the service time
				p := msg.Payload.(*PongMessage)
				p.SvcTime = time.Since(msg.ReceivedAt).Seconds()
			}
			b, _ := msg.Serialise()
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-c.closing:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// the goroutine that runs this function controls other mutable states in c:
// it answers pings, performs admin authentication, and gates role-scoped
// commands before they reach the party manager.
func (c *ClientConn) run() {
	defer func() {
		c.deregister()
	}()
	for {
		select {
		case m, ok := <-c.recvQueue:
			if !ok {
				return
			}

			m.Sender = c.GetID()

			switch m.Type {
			case MessageTypePing:
				p := m.Payload.(*PingMessage)
				c.reply(&Message{
					ReceivedAt: m.ReceivedAt,
					Type:       MessageTypePong,
					Payload:    &PongMessage{Timestamp: p.Timestamp},
				})

			case MessageTypeAuthLogin:
				c.handleLogin(m.Payload.(*LoginMessage))

			case MessageTypeEnqueue:
				c.forward(m)

			case MessageTypeMove, MessageTypeRemove, MessageTypeClear,
				MessageTypeSkip, MessageTypePlayerControl,
				MessageTypePlayerVolume, MessageTypePlayerReload:
				if !c.isAdmin() {
					c.reply(errorMessage(CodeUnauthorized, "admin authentication required"))
					continue
				}
				c.forward(m)

			case MessageTypeFinished:
				if c.role != RoleDisplay && !c.isAdmin() {
					c.reply(errorMessage(CodeUnauthorized, "only the display reports song end"))
					continue
				}
				c.forward(m)

			case MessageTypeProgress, MessageTypePlayerStatus:
				if c.role != RoleDisplay {
					c.reply(errorMessage(CodeUnauthorized, "display-only message"))
					continue
				}
				c.forward(m)

			default:
				// server-to-client types echoed back; drop them
			}
		case <-c.closing:
			return
		}
	}
}

// handleLogin verifies the shared admin secret. A wrong secret leaves the
// session connected as a read-only observer; it may retry.
func (c *ClientConn) handleLogin(p *LoginMessage) {
	if c.party.server.adminPassword != "" && p.Password == c.party.server.adminPassword {
		c.authed.Store(true)
		log.WithFields(log.Fields{"cid": c.GetID()}).Info("admin authenticated")
		c.reply(&Message{Type: MessageTypeAuthOK})
		return
	}
	log.WithFields(log.Fields{"cid": c.GetID()}).Info("admin authentication failed")
	c.reply(errorMessage(CodeAuthError, "invalid password"))
}

func (c *ClientConn) forward(m *Message) {
	select {
	case c.party.recvQueue <- m:
	case <-c.closing:
	}
}

func (c *ClientConn) reply(m *Message) {
	select {
	case c.sendQueue <- m:
	case <-c.closing:
	default:
	}
}

func handleWSClient(s *Server, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := ParseRole(q.Get("role"))
	nickname := q.Get("nick")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Error("websocket upgrade failed")
		return
	}

	if doCheckSubprotocol && conn.Subprotocol() != WebsocketSubprotocolMagicV1 {
		conn.WriteMessage(websocket.CloseMessage, []byte("unsupported subprotocol version"))
		conn.Close()
		return
	}

	cid := xid.New().String()
	client := NewClientConn(cid, s.party, conn, role, nickname)

	go client.run()
	go client.writePump()
	go client.readPump()

	// send Hello message
	client.sendQueue <- &Message{
		Type: MessageTypeHello,
		Payload: &HelloMessage{
			SessionID: cid,
			Role:      role.String(),
			Nickname:  nickname,
		}}
	select {
	case s.party.enqClient <- client:
	case <-s.party.closing:
		client.Finalise()
		return
	}
	log.WithFields(log.Fields{
		"role": role.String(),
		"cid":  cid,
		"addr": conn.RemoteAddr().String(),
	}).Info("client joined party")
}

// GetWSHandleFunc returns the websocket handle function for the server
func GetWSHandleFunc(server *Server) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		handleWSClient(server, w, r)
	}
}
