package qqbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway opcodes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opResume       = 6
	opReconnect    = 7
	opInvalidSess  = 9
	opHello        = 10
	opHeartbeatACK = 11
)

// intentGroupAndC2C subscribes C2C_MESSAGE_CREATE and
// GROUP_AT_MESSAGE_CREATE dispatches.
const intentGroupAndC2C = 1 << 25

// wsPayload is the gateway envelope in both directions.
type wsPayload struct {
	Op int             `json:"op"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

var errServerReconnect = fmt.Errorf("qqbot: server requested reconnect")

// runLoop keeps one gateway connection alive until the context ends.
func (c *Channel) runLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := time.Second
	for ctx.Err() == nil {
		started := time.Now()
		err := c.serveConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		slog.Warn("qqbot gateway disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

// serveConnection dials the gateway, performs the hello/identify (or
// resume) handshake and reads dispatches until the connection breaks.
func (c *Channel) serveConnection(ctx context.Context) error {
	token, err := c.api.token(ctx)
	if err != nil {
		return err
	}
	gatewayURL, err := c.api.gatewayURL(ctx)
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("qqbot: dial gateway: %w", err)
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	// The server speaks first with hello.
	hello, err := c.readPayload(conn, 30*time.Second)
	if err != nil {
		return fmt.Errorf("qqbot: hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("qqbot: expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"` // millis
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		helloData.HeartbeatInterval = 41250
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	if session := c.sessionID(); session != "" && c.lastSeq.Load() > 0 {
		err = c.writeJSON(conn, map[string]any{
			"op": opResume,
			"d": map[string]any{
				"token":      "QQBot " + token,
				"session_id": session,
				"seq":        c.lastSeq.Load(),
			},
		})
	} else {
		err = c.writeJSON(conn, map[string]any{
			"op": opIdentify,
			"d": map[string]any{
				"token":      "QQBot " + token,
				"intents":    intentGroupAndC2C,
				"shard":      []int{0, 1},
				"properties": map[string]string{},
			},
		})
	}
	if err != nil {
		return fmt.Errorf("qqbot: handshake write: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn, interval)

	readDeadline := interval*2 + 10*time.Second
	for {
		p, err := c.readPayload(conn, readDeadline)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("qqbot: gateway read: %w", err)
		}
		if err := c.handlePayload(ctx, p); err != nil {
			return err
		}
	}
}

func (c *Channel) readPayload(conn *websocket.Conn, deadline time.Duration) (*wsPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var p wsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &p, nil
}

func (c *Channel) handlePayload(ctx context.Context, p *wsPayload) error {
	switch p.Op {
	case opDispatch:
		if p.S > 0 {
			c.lastSeq.Store(p.S)
		}
		switch p.T {
		case "READY":
			var ready struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(p.D, &ready)
			c.setSessionID(ready.SessionID)
			slog.Info("qqbot gateway ready", "session", ready.SessionID)
		case "RESUMED":
			slog.Info("qqbot gateway resumed")
		case "C2C_MESSAGE_CREATE":
			c.handleMessageEvent(ctx, p.D, false)
		case "GROUP_AT_MESSAGE_CREATE":
			c.handleMessageEvent(ctx, p.D, true)
		default:
			slog.Debug("qqbot dispatch ignored", "type", p.T)
		}
		return nil

	case opHeartbeatACK:
		return nil

	case opReconnect:
		// Session stays valid; the next connection resumes.
		return errServerReconnect

	case opInvalidSess:
		c.setSessionID("")
		c.lastSeq.Store(0)
		return fmt.Errorf("qqbot: session invalidated")

	default:
		slog.Debug("qqbot opcode ignored", "op", p.Op)
		return nil
	}
}

// heartbeatLoop acknowledges liveness at the interval the hello frame set.
func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var d any
			if seq := c.lastSeq.Load(); seq > 0 {
				d = seq
			}
			if err := c.writeJSON(conn, map[string]any{"op": opHeartbeat, "d": d}); err != nil {
				slog.Debug("qqbot heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Channel) setSessionID(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}
