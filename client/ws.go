package client

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"BTPSync/logger"
	"BTPSync/module/sync/model"
	"BTPSync/service/gateway"
	"BTPSync/tools/errs"
)

// Realtime consumes the gateway's websocket feed and hands committed ops
// to the engine. It reconnects forever with backoff; while it is down the
// polling loop covers the gap.
type Realtime struct {
	URL      string // ws://host:port/ws
	Token    string
	engine   *Engine
	dialer   *websocket.Dialer
	pingWait time.Duration
}

func NewRealtime(wsURL, token string, engine *Engine) *Realtime {
	return &Realtime{
		URL:      wsURL,
		Token:    token,
		engine:   engine,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingWait: 90 * time.Second,
	}
}

// Run blocks until ctx is cancelled, redialing on every disconnect.
func (r *Realtime) Run(ctx context.Context) {
	backoff := backoffMin
	for {
		if err := r.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("[realtime] connection lost, retrying in %s: %v", backoff, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (r *Realtime) session(ctx context.Context) error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return errs.WrapMsg(err, "parse ws url")
	}
	q := u.Query()
	q.Set("token", r.Token)
	q.Set("deviceId", r.engine.DeviceID())
	u.RawQuery = q.Encode()

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errs.WrapMsg(err, "dial gateway")
	}
	defer func() { _ = conn.Close() }()

	// drop the socket when ctx goes away mid-read
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(r.pingWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(r.pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	// ask for everything missed while disconnected
	cursor, err := r.engine.Local().Cursor()
	if err != nil {
		return err
	}
	req, _ := json.Marshal(&gateway.SyncRequestPayload{Since: cursor})
	hello, _ := json.Marshal(&gateway.Frame{Event: gateway.EvtSyncRequest, Payload: req})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return errs.WrapMsg(err, "send sync request")
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errs.WrapMsg(err, "read frame")
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.pingWait))
		f, err := gateway.ParseFrame(raw)
		if err != nil {
			logger.Warnf("[realtime] bad frame: %v", err)
			continue
		}
		r.handle(f)
	}
}

type statePayload struct {
	Operations []*model.Operation `json:"operations"`
	ServerSeq  int64              `json:"serverSeq"`
	FullSync   bool               `json:"fullSync"`
}

func (r *Realtime) handle(f *gateway.Frame) {
	switch f.Event {
	case gateway.EvtSyncOp:
		op := &model.Operation{}
		if err := json.Unmarshal(f.Payload, op); err != nil {
			logger.Warnf("[realtime] bad op payload: %v", err)
			return
		}
		r.engine.ApplyRemote(op)
	case gateway.EvtSyncState:
		st := &statePayload{}
		if err := json.Unmarshal(f.Payload, st); err != nil {
			logger.Warnf("[realtime] bad state payload: %v", err)
			return
		}
		for _, op := range st.Operations {
			r.engine.ApplyRemote(op)
		}
	case gateway.EvtSyncError:
		logger.Warnf("[realtime] server error frame: %s", string(f.Payload))
	}
}
