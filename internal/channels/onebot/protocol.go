package onebot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaoyubing999/openakita-sub001/internal/bus"
)

// event is one frame off the forward websocket. Pushed events carry a
// post_type; action responses carry an echo instead.
type event struct {
	Time          int64           `json:"time,omitempty"`
	SelfID        int64           `json:"self_id,omitempty"`
	PostType      string          `json:"post_type,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	MessageType   string          `json:"message_type,omitempty"` // "private" | "group"
	SubType       string          `json:"sub_type,omitempty"`
	MessageID     json.Number     `json:"message_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        *eventSender    `json:"sender,omitempty"`

	// action response fields
	Status  string          `json:"status,omitempty"`
	Retcode int             `json:"retcode,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
}

type eventSender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// action is a client request frame. The echo ties the response back.
type action struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// segment is one message part. Implementations deliver either an array of
// these or a CQ-coded string; outbound we always send arrays.
type segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func textSegment(text string) segment {
	return segment{Type: "text", Data: map[string]any{"text": text}}
}

func (s segment) str(key string) string {
	switch v := s.Data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// parseSegments extracts the message parts from an event, preferring the
// structured array and falling back to the CQ-coded string.
func parseSegments(ev *event) []segment {
	if len(ev.Message) > 0 {
		trimmed := strings.TrimSpace(string(ev.Message))
		if strings.HasPrefix(trimmed, "[") {
			var segs []segment
			if err := json.Unmarshal(ev.Message, &segs); err == nil {
				return segs
			}
		}
		var raw string
		if err := json.Unmarshal(ev.Message, &raw); err == nil {
			return parseCQ(raw)
		}
	}
	return parseCQ(ev.RawMessage)
}

// parseCQ splits a CQ-coded string ("hello [CQ:image,file=a.jpg]") into
// segments, unescaping the CQ entity codes.
func parseCQ(raw string) []segment {
	var segs []segment
	for raw != "" {
		start := strings.Index(raw, "[CQ:")
		if start < 0 {
			segs = appendText(segs, cqUnescapeText(raw))
			break
		}
		if start > 0 {
			segs = appendText(segs, cqUnescapeText(raw[:start]))
		}
		end := strings.Index(raw[start:], "]")
		if end < 0 {
			segs = appendText(segs, cqUnescapeText(raw[start:]))
			break
		}
		body := raw[start+4 : start+end]
		raw = raw[start+end+1:]

		parts := strings.Split(body, ",")
		seg := segment{Type: parts[0], Data: map[string]any{}}
		for _, p := range parts[1:] {
			if k, v, ok := strings.Cut(p, "="); ok {
				seg.Data[k] = cqUnescapeValue(v)
			}
		}
		segs = append(segs, seg)
	}
	return segs
}

func appendText(segs []segment, text string) []segment {
	if text == "" {
		return segs
	}
	return append(segs, textSegment(text))
}

// cqUnescapeValue decodes a CQ parameter value. &amp; must go last so
// double escapes survive.
func cqUnescapeValue(s string) string {
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&#44;", ",")
	return strings.ReplaceAll(s, "&amp;", "&")
}

// cqUnescapeText decodes plain text between CQ codes (commas are literal).
func cqUnescapeText(s string) string {
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	return strings.ReplaceAll(s, "&amp;", "&")
}

// intake is the normalized view of a message event's segments.
type intake struct {
	Text          string
	Images        []bus.MediaFile
	Voices        []bus.MediaFile
	ReplyID       string
	MentionedSelf bool
}

// collectSegments folds segments into text plus media, dropping the bot's
// own @-mention and keeping other mentions visible as text.
func collectSegments(segs []segment, msgID string, selfID string) intake {
	var in intake
	var parts []string
	mediaIdx := 0

	for _, seg := range segs {
		switch seg.Type {
		case "text":
			parts = append(parts, seg.str("text"))
		case "at":
			qq := seg.str("qq")
			if qq == selfID {
				in.MentionedSelf = true
				continue
			}
			parts = append(parts, "@"+qq)
		case "image":
			url := seg.str("url")
			if url == "" {
				url = seg.str("file")
			}
			in.Images = append(in.Images, bus.MediaFile{
				ID:       fmt.Sprintf("%s-%d", msgID, mediaIdx),
				FileName: fmt.Sprintf("onebot_image_%s_%d.jpg", msgID, mediaIdx),
				MimeType: "image/jpeg",
				URL:      url,
				FileID:   seg.str("file"),
				Status:   bus.MediaPending,
			})
			mediaIdx++
		case "record":
			in.Voices = append(in.Voices, bus.MediaFile{
				ID:       fmt.Sprintf("%s-%d", msgID, mediaIdx),
				FileName: fmt.Sprintf("onebot_voice_%s.amr", msgID),
				MimeType: "audio/amr",
				URL:      seg.str("url"),
				FileID:   seg.str("file"),
				Status:   bus.MediaPending,
			})
			mediaIdx++
		case "reply":
			in.ReplyID = seg.str("id")
		case "face":
			// Emoji stickers carry no text; skip.
		default:
			parts = append(parts, "["+seg.Type+"]")
		}
	}

	in.Text = strings.TrimSpace(strings.Join(parts, ""))
	return in
}

// buildSegments turns an outgoing message into the wire array. Local image
// paths ride as file:// URIs, which the implementations resolve locally.
func buildSegments(out *bus.OutgoingMessage) []segment {
	var segs []segment
	if out.ReplyTo != "" {
		segs = append(segs, segment{Type: "reply", Data: map[string]any{"id": out.ReplyTo}})
	}

	text := out.Content.Text
	if text == "" && len(out.Content.Images) == 0 {
		text = out.Content.PlainText()
	}
	if text != "" {
		segs = append(segs, textSegment(text))
	}

	for _, f := range out.Content.Images {
		file := f.URL
		if file == "" && f.LocalPath != "" {
			file = "file://" + f.LocalPath
		}
		if file == "" {
			continue
		}
		segs = append(segs, segment{Type: "image", Data: map[string]any{"file": file}})
	}
	return segs
}
