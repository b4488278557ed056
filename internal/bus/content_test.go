package bus

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestContentType(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
		want    MessageType
	}{
		{"text only", TextContent("hello"), TypeText},
		{"empty", MessageContent{}, TypeText},
		{"image wins over text", MessageContent{Text: "look", Images: []MediaFile{{ID: "i1"}}}, TypeImage},
		{"voice", MessageContent{Voices: []MediaFile{{ID: "v1"}}}, TypeVoice},
		{"video", MessageContent{Videos: []MediaFile{{ID: "v1"}}}, TypeVideo},
		{"file", MessageContent{Files: []MediaFile{{ID: "f1"}}}, TypeFile},
		{"location", MessageContent{Location: &Location{Latitude: 1, Longitude: 2}}, TypeLocation},
		{"sticker", MessageContent{Sticker: &Sticker{ID: "s1", Emoji: "👍"}}, TypeSticker},
		{"image outranks voice", MessageContent{Images: []MediaFile{{ID: "i"}}, Voices: []MediaFile{{ID: "v"}}}, TypeImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.content.Type(); got != tt.want {
				t.Errorf("Type() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlainTextMarkers(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
		want    []string
	}{
		{
			"transcribed voice",
			MessageContent{Voices: []MediaFile{{ID: "v1", Transcription: "turn on the light"}}},
			[]string{"[voice transcription: turn on the light]"},
		},
		{
			"failed voice keeps duration marker",
			MessageContent{Voices: []MediaFile{{ID: "v1", Duration: 12, Status: MediaFailed}}},
			[]string{"[voice: 12 seconds]"},
		},
		{
			"processed voice already folded into text",
			MessageContent{
				Text:   "turn on the light",
				Voices: []MediaFile{{ID: "v1", Duration: 3, Status: MediaProcessed}},
			},
			[]string{"turn on the light"},
		},
		{
			"described image",
			MessageContent{Images: []MediaFile{{ID: "i1", Description: "a red panda"}}},
			[]string{"[image: a red panda]"},
		},
		{
			"undescribed image falls back to filename",
			MessageContent{Images: []MediaFile{{ID: "i1", FileName: "photo.jpg"}}},
			[]string{"[image: photo.jpg]"},
		},
		{
			"mixed content keeps order",
			MessageContent{
				Text:   "see this",
				Images: []MediaFile{{FileName: "a.png"}},
				Voices: []MediaFile{{Transcription: "and listen"}},
			},
			[]string{"see this", "[image: a.png]", "[voice transcription: and listen]"},
		},
		{
			"file with extracted text",
			MessageContent{Files: []MediaFile{{FileName: "doc.pdf", ExtractedText: "contents"}}},
			[]string{"[file: doc.pdf]", "contents"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.content.PlainText()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("PlainText() = %q, missing %q", got, want)
				}
			}
		})
	}
}

func TestPlainTextSkipsFoldedVoice(t *testing.T) {
	// Preprocessing merges a successful transcript into Text and marks the
	// voice processed; the projection must not re-render it as a marker.
	c := MessageContent{
		Text:   "turn on the light",
		Voices: []MediaFile{{ID: "v1", Duration: 3, Status: MediaProcessed}},
	}
	if got := c.PlainText(); strings.Contains(got, "[voice") {
		t.Errorf("PlainText() = %q, want no voice marker for processed voice", got)
	}
}

func TestPlainTextNeverEmptyForMedia(t *testing.T) {
	// A message that is pure media must still project to something the
	// model can see.
	c := MessageContent{Images: []MediaFile{{}}}
	if c.PlainText() == "" {
		t.Fatal("PlainText() returned empty string for image-only content")
	}
	c = MessageContent{Voices: []MediaFile{{Status: MediaFailed}}}
	if c.PlainText() == "" {
		t.Fatal("PlainText() returned empty string for failed voice")
	}
}

func TestUnifiedMessagePrefixedUserID(t *testing.T) {
	m := NewUnifiedMessage("m1", "telegram", "12345", "c9", ChatPrivate, TextContent("hi"))
	if m.UserID != "telegram:12345" {
		t.Errorf("UserID = %q, want telegram:12345", m.UserID)
	}
	if m.Meta(MetaChannelUserID) != "12345" {
		t.Errorf("metadata channel_user_id = %q, want 12345", m.Meta(MetaChannelUserID))
	}
}

func genMediaFiles(prefix string) gopter.Gen {
	return gen.IntRange(0, 3).Map(func(n int) []MediaFile {
		files := make([]MediaFile, n)
		for i := range files {
			files[i] = MediaFile{ID: prefix, FileName: prefix + ".bin", Status: MediaReady}
		}
		return files
	})
}

func TestMessageRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("serialize/deserialize preserves identity and media counts", prop.ForAll(
		func(id, chatID, userID, text string, images, voices, files []MediaFile) bool {
			orig := NewUnifiedMessage(id, "feishu", userID, chatID, ChatGroup, MessageContent{
				Text:   text,
				Images: images,
				Voices: voices,
				Files:  files,
			})
			data, err := json.Marshal(orig)
			if err != nil {
				return false
			}
			var got UnifiedMessage
			if err := json.Unmarshal(data, &got); err != nil {
				return false
			}
			return got.ID == orig.ID &&
				got.Channel == orig.Channel &&
				got.UserID == orig.UserID &&
				got.ChatID == orig.ChatID &&
				got.Content.Text == orig.Content.Text &&
				len(got.Content.Images) == len(orig.Content.Images) &&
				len(got.Content.Voices) == len(orig.Content.Voices) &&
				len(got.Content.Files) == len(orig.Content.Files)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
		genMediaFiles("img"),
		genMediaFiles("voc"),
		genMediaFiles("doc"),
	))

	properties.Property("plain text is non-empty when any component is non-empty", prop.ForAll(
		func(text string, nImages int) bool {
			c := MessageContent{Text: text}
			for i := 0; i < nImages; i++ {
				c.Images = append(c.Images, MediaFile{FileName: "x.png"})
			}
			if strings.TrimSpace(text) == "" && nImages == 0 {
				return c.PlainText() == ""
			}
			return c.PlainText() != ""
		},
		gen.AlphaString(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
