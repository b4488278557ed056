package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	topicBotMessage = "/v1.0/im/bot/messages/get"

	// The server pings every few seconds; a read going this long without
	// any frame means the connection died without a close frame.
	readDeadline = 90 * time.Second

	maxBackoff = time.Minute
)

// frame is the stream-mode envelope. Data is a JSON document serialized
// into a string, typed by Headers.Topic.
type frame struct {
	SpecVersion string       `json:"specVersion,omitempty"`
	Type        string       `json:"type"` // SYSTEM, EVENT, CALLBACK
	Headers     frameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

type frameHeaders struct {
	AppID        string `json:"appId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Time         string `json:"time,omitempty"`
	Topic        string `json:"topic,omitempty"`
}

// ackFrame answers a server frame. Every frame must be acked by messageId
// or the platform redelivers it.
type ackFrame struct {
	Code    int          `json:"code"`
	Headers frameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data"`
}

func newAck(h frameHeaders, data string) ackFrame {
	return ackFrame{
		Code:    200,
		Message: "OK",
		Headers: frameHeaders{
			ContentType: "application/json",
			MessageID:   h.MessageID,
			Topic:       h.Topic,
		},
		Data: data,
	}
}

// errServerDisconnect marks a deliberate server-side drain: reconnect with
// a fresh ticket instead of treating it as a failure.
var errServerDisconnect = fmt.Errorf("dingtalk: server requested disconnect")

// runLoop keeps one stream connection alive until the context ends,
// reconnecting with exponential backoff after failures.
func (c *Channel) runLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := time.Second
	for ctx.Err() == nil {
		started := time.Now()
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		slog.Warn("dingtalk stream disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// connectAndServe opens a gateway ticket, dials the websocket and reads
// frames until the connection breaks.
func (c *Channel) connectAndServe(ctx context.Context) error {
	wsURL, err := c.api.openConnection(ctx, []subscription{
		{Type: "CALLBACK", Topic: topicBotMessage},
	})
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dingtalk: ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	slog.Info("dingtalk stream connected")

	for {
		readCtx, rcancel := context.WithTimeout(ctx, readDeadline)
		_, data, err := conn.Read(readCtx)
		rcancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dingtalk: ws read: %w", err)
		}
		if err := c.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (c *Channel) handleFrame(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("dingtalk frame unparseable", "error", err)
		return nil
	}

	switch f.Type {
	case "SYSTEM":
		switch f.Headers.Topic {
		case "ping":
			// Pong echoes the ping payload.
			pong := newAck(f.Headers, f.Data)
			pong.Headers.Topic = "pong"
			return c.writeFrame(ctx, pong)
		case "disconnect":
			_ = c.writeFrame(ctx, newAck(f.Headers, ""))
			return errServerDisconnect
		default:
			return c.writeFrame(ctx, newAck(f.Headers, ""))
		}

	case "CALLBACK":
		if err := c.writeFrame(ctx, newAck(f.Headers, `{"status":"SUCCESS"}`)); err != nil {
			return err
		}
		if f.Headers.Topic == topicBotMessage {
			c.handleBotMessage(ctx, f.Data)
		}
		return nil

	case "EVENT":
		return c.writeFrame(ctx, newAck(f.Headers, `{"status":"SUCCESS"}`))

	default:
		slog.Debug("dingtalk frame ignored", "type", f.Type, "topic", f.Headers.Topic)
		return nil
	}
}

// writeFrame serializes one frame onto the connection. Writes are
// serialized: acks from the read loop and pongs may interleave.
func (c *Channel) writeFrame(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("dingtalk: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}
