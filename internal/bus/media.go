package bus

// MediaStatus tracks a media file through its download/processing lifecycle.
type MediaStatus string

const (
	MediaPending     MediaStatus = "pending"
	MediaDownloading MediaStatus = "downloading"
	MediaReady       MediaStatus = "ready"
	MediaFailed      MediaStatus = "failed"
	MediaProcessed   MediaStatus = "processed"
)

// MediaFile describes one attachment carried by a message. A file may be
// referenced by URL, by a channel-native file handle, or both; once an
// adapter downloads it, LocalPath points at the cached bytes and Status
// becomes ready.
type MediaFile struct {
	ID       string `json:"id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`

	URL       string `json:"url,omitempty"`     // remote URL, if the platform serves one
	FileID    string `json:"file_id,omitempty"` // channel-native file handle
	LocalPath string `json:"local_path,omitempty"`

	Status MediaStatus `json:"status"`

	// Derived content, filled by preprocessing.
	Transcription string `json:"transcription,omitempty"` // voice → text
	ExtractedText string `json:"extracted_text,omitempty"` // document → text
	Description   string `json:"description,omitempty"`    // image → caption

	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds, for audio/video

	// AESEncrypted marks media whose download URL serves ciphertext
	// (WeChat Work serves AES-encrypted bytes).
	AESEncrypted bool `json:"aes_encrypted,omitempty"`
}

// IsReady reports whether the file has been downloaded to the local cache.
func (m *MediaFile) IsReady() bool {
	return m.Status == MediaReady || m.Status == MediaProcessed
}
