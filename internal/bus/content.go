package bus

import (
	"fmt"
	"strings"
)

// MessageType tags a message by its dominant content category.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVoice    MessageType = "voice"
	TypeVideo    MessageType = "video"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeSticker  MessageType = "sticker"
)

// Location is a geographic point attached to a message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Title     string  `json:"title,omitempty"`
}

// Sticker is a platform sticker reference.
type Sticker struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji,omitempty"`
	Name  string `json:"name,omitempty"`
}

// MessageContent is the normalized body of a message: free text plus
// parallel ordered media sequences. Mixed content (text + images + voices
// in one message) is legal and preserved.
type MessageContent struct {
	Text   string      `json:"text,omitempty"`
	Images []MediaFile `json:"images,omitempty"`
	Voices []MediaFile `json:"voices,omitempty"`
	Videos []MediaFile `json:"videos,omitempty"`
	Files  []MediaFile `json:"files,omitempty"`

	Location *Location `json:"location,omitempty"`
	Sticker  *Sticker  `json:"sticker,omitempty"`
}

// TextContent builds a text-only content body.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// Type derives the message type from the first non-empty content category.
// Text wins only when no media is present.
func (c MessageContent) Type() MessageType {
	switch {
	case len(c.Images) > 0:
		return TypeImage
	case len(c.Voices) > 0:
		return TypeVoice
	case len(c.Videos) > 0:
		return TypeVideo
	case len(c.Files) > 0:
		return TypeFile
	case c.Location != nil:
		return TypeLocation
	case c.Sticker != nil:
		return TypeSticker
	default:
		return TypeText
	}
}

// IsEmpty reports whether the content carries neither text nor any media.
func (c MessageContent) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" &&
		len(c.Images) == 0 && len(c.Voices) == 0 &&
		len(c.Videos) == 0 && len(c.Files) == 0 &&
		c.Location == nil && c.Sticker == nil
}

// PlainText projects the content to a single string for model input and
// display. Media collapse to bracketed markers; a failed voice or image
// still renders a marker so the model can reason about its presence.
func (c MessageContent) PlainText() string {
	var parts []string
	if t := strings.TrimSpace(c.Text); t != "" {
		parts = append(parts, t)
	}
	for _, img := range c.Images {
		parts = append(parts, imageMarker(img))
	}
	for _, v := range c.Voices {
		// A processed voice without its own transcription has already been
		// folded into Text by preprocessing; a marker would read as failed.
		if v.Status == MediaProcessed && v.Transcription == "" {
			continue
		}
		parts = append(parts, voiceMarker(v))
	}
	for _, v := range c.Videos {
		parts = append(parts, fmt.Sprintf("[video: %s]", displayName(v)))
	}
	for _, f := range c.Files {
		marker := fmt.Sprintf("[file: %s]", displayName(f))
		if f.ExtractedText != "" {
			marker = fmt.Sprintf("[file: %s]\n%s", displayName(f), f.ExtractedText)
		}
		parts = append(parts, marker)
	}
	if c.Location != nil {
		parts = append(parts, fmt.Sprintf("[location: %g,%g]", c.Location.Latitude, c.Location.Longitude))
	}
	if c.Sticker != nil {
		name := c.Sticker.Emoji
		if name == "" {
			name = c.Sticker.Name
		}
		parts = append(parts, fmt.Sprintf("[sticker: %s]", name))
	}
	return strings.Join(parts, "\n")
}

func imageMarker(m MediaFile) string {
	if m.Description != "" {
		return fmt.Sprintf("[image: %s]", m.Description)
	}
	return fmt.Sprintf("[image: %s]", displayName(m))
}

func voiceMarker(m MediaFile) string {
	if m.Transcription != "" {
		return fmt.Sprintf("[voice transcription: %s]", m.Transcription)
	}
	if m.Duration > 0 {
		return fmt.Sprintf("[voice: %.0f seconds]", m.Duration)
	}
	return fmt.Sprintf("[voice: %s]", displayName(m))
}

func displayName(m MediaFile) string {
	if m.FileName != "" {
		return m.FileName
	}
	if m.ID != "" {
		return m.ID
	}
	return "unnamed"
}
