package stream

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/disintegration/imaging"
)

const (
	// maxImageBytes is the platform's per-image payload cap.
	maxImageBytes = 10 * 1024 * 1024

	// maxImageDim bounds re-encoded image dimensions.
	maxImageDim = 2048

	jpegQuality = 85
)

// PrepareImage validates an image payload for the pending queue. JPEG and
// PNG pass through untouched; other formats are re-encoded to JPEG with
// bounded dimensions. The result carries the base64 body and md5 hex the
// platform's msg_item wants.
func PrepareImage(data []byte) (QueuedImage, error) {
	if len(data) == 0 {
		return QueuedImage{}, fmt.Errorf("empty image payload")
	}
	if len(data) > maxImageBytes {
		return QueuedImage{}, fmt.Errorf("image too large: %d bytes", len(data))
	}

	switch http.DetectContentType(data) {
	case "image/jpeg", "image/png":
	default:
		converted, err := convertToJPEG(data)
		if err != nil {
			return QueuedImage{}, fmt.Errorf("convert image: %w", err)
		}
		data = converted
		if len(data) > maxImageBytes {
			return QueuedImage{}, fmt.Errorf("image too large after conversion: %d bytes", len(data))
		}
	}

	sum := md5.Sum(data)
	return QueuedImage{
		B64: base64.StdEncoding.EncodeToString(data),
		MD5: hex.EncodeToString(sum[:]),
	}, nil
}

func convertToJPEG(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
