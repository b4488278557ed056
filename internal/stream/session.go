// Package stream implements the buffered-reply state machine for channels
// whose only low-latency reply path is a server-initiated refresh callback
// (WeChat Work smart-bot style). The agent writes into a per-conversation
// buffer; the platform polls it with a stream id until the reply is settled.
package stream

import "time"

// QueuedImage is one pending image attachment: base64 payload plus its md5
// hex, the pair the platform's msg_item format wants.
type QueuedImage struct {
	B64 string
	MD5 string
}

// Session is one in-flight buffered reply. MsgID is the inbound platform
// message the reply answers; ResponseURL is the optional one-shot fallback
// webhook. Fields are mutated only while the manager's mutex is held.
type Session struct {
	ID          string
	ChatID      string
	UserID      string
	MsgID       string
	ResponseURL string
	Content     string
	Images      []QueuedImage
	Finished    bool
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Reply is what a refresh callback gets back: the current buffer, whether
// the stream is done, and (only on the finalizing reply) queued images.
type Reply struct {
	Content  string
	Finished bool
	Images   []QueuedImage
}
