package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"BTPSync/logger"
	syncsvc "BTPSync/module/sync/service"
	"BTPSync/tools/decode"
	"BTPSync/tools/errs"
	ids "BTPSync/tools/ids"
	"BTPSync/tools/security"
)

// PresenceTracker mirrors connection lifecycle into shared presence.
type PresenceTracker interface {
	Online(ctx context.Context, principal, device, gatewayID string) error
	Offline(ctx context.Context, principal, device string) error
}

// ServerConf tunes the websocket endpoint.
type ServerConf struct {
	HeartbeatInterval time.Duration // ping cadence; read deadline is 3x
	SendQueueSize     int
	WriteTimeout      time.Duration
}

func (c *ServerConf) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Server owns the websocket endpoint: handshake auth, the per-conn
// read/write loops and the client->server events (join/leave/
// sync:request).
type Server struct {
	conf     ServerConf
	reg      *Registry
	svc      *syncsvc.Service
	presence PresenceTracker // optional
	jwtOpts  security.Options
	nodeID   string
}

func NewServer(conf ServerConf, reg *Registry, svc *syncsvc.Service, presence PresenceTracker, jwtOpts security.Options, nodeID string) *Server {
	conf.norm()
	return &Server{conf: conf, reg: reg, svc: svc, presence: presence, jwtOpts: jwtOpts, nodeID: nodeID}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWS upgrades one device connection. Credentials ride the
// handshake once: bearer token, deviceId, and a per-session id used only
// for echo matching.
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	deviceID := c.Query("deviceId")
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = ids.GenerateString()
	}

	principal, err := security.Verify(s.jwtOpts, token)
	if err != nil || deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": errs.CodeUnauthorized, "msg": "handshake rejected"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	cn := &conn{
		id:        ids.GenerateString(),
		principal: principal.ID,
		device:    deviceID,
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, s.conf.SendQueueSize),
		closing:   make(chan struct{}),
		scopes:    make(map[string]struct{}),
	}
	s.reg.add(cn)
	s.trackOnline(cn)
	logger.Infof("[ws] connected principal=%s device=%s session=%s conn=%s", cn.principal, cn.device, cn.sessionID, cn.id)

	done := make(chan struct{})
	go s.writeLoop(cn, done)
	s.readLoop(cn)

	// teardown: deregister first so fanout stops targeting the conn,
	// then signal the writer. cn.send stays open; a fanout worker that
	// snapshotted the conn before removal just drops its frame.
	s.reg.remove(cn)
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.presence.Offline(ctx, cn.principal, cn.device)
		cancel()
	}
	cn.close()
	<-done
	logger.Infof("[ws] disconnected principal=%s device=%s conn=%s", cn.principal, cn.device, cn.id)
}

func (s *Server) trackOnline(cn *conn) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Online(ctx, cn.principal, cn.device, s.nodeID); err != nil {
		logger.Warnf("[ws] presence online failed: %v", err)
	}
}

// writeLoop is the single writer: everything reaching the socket goes
// through cn.send, pings included.
func (s *Server) writeLoop(cn *conn, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(s.conf.HeartbeatInterval)
	defer ping.Stop()
	defer func() { _ = cn.ws.Close() }()

	for {
		select {
		case <-cn.closing:
			_ = cn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case data := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if err := cn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(cn *conn) {
	deadline := 3 * s.conf.HeartbeatInterval
	_ = cn.ws.SetReadDeadline(time.Now().Add(deadline))
	cn.ws.SetPongHandler(func(string) error {
		_ = cn.ws.SetReadDeadline(time.Now().Add(deadline))
		s.trackOnline(cn) // renew the presence TTL
		return nil
	})

	for {
		mt, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s err=%v", cn.id, err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s err=%v", cn.id, err)
			} else {
				logger.Infof("[ws] read err conn=%s err=%v", cn.id, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, err := ParseFrame(data)
		if err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame conn=%s err=%v sample=%q", cn.id, err, sample)
			cn.enqueue(BuildErrorFrame(errs.CodeRejectedPayload, "unparseable frame"))
			continue
		}
		s.handleFrame(cn, frame)
	}
}

func (s *Server) handleFrame(cn *conn, f *Frame) {
	switch f.Event {
	case EvtJoin:
		p, err := framePayload[ScopePayload](f)
		if err != nil || p.Scope == "" {
			cn.enqueue(BuildErrorFrame(errs.CodeRejectedPayload, "join needs a scope"))
			return
		}
		cn.join(p.Scope)
	case EvtLeave:
		p, err := framePayload[ScopePayload](f)
		if err != nil || p.Scope == "" {
			cn.enqueue(BuildErrorFrame(errs.CodeRejectedPayload, "leave needs a scope"))
			return
		}
		cn.leave(p.Scope)
	case EvtSyncRequest:
		p, err := framePayload[SyncRequestPayload](f)
		if err != nil {
			cn.enqueue(BuildErrorFrame(errs.CodeRejectedPayload, "bad sync:request"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := s.svc.Pull(ctx, cn.principal, cn.device, p.Since)
		cancel()
		if err != nil {
			logger.Warnf("[ws] sync:request failed conn=%s: %v", cn.id, err)
			cn.enqueue(BuildErrorFrame(errs.CodeOf(err), "catch-up failed, retry"))
			return
		}
		cn.enqueue(BuildStateFrame(res.Operations, res.ServerSeq, res.FullSync))
	default:
		cn.enqueue(BuildErrorFrame(errs.CodeRejectedPayload, "unknown event "+f.Event))
	}
}

func framePayload[T any](f *Frame) (*T, error) {
	var m map[string]any
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return nil, err
		}
	} else {
		m = map[string]any{}
	}
	return decode.DecodeMap[T](m)
}
