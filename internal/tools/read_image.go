package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/disintegration/imaging"
)

const (
	readImageMaxBytes = 10 << 20
	readImageMaxDim   = 1568 // vision models downsample past this anyway
)

// ReadImageTool loads an image and hands it to the model as an image block.
// It reads either a workspace file (path argument) or one of the images
// attached to the current message (index argument).
type ReadImageTool struct {
	workspace string
	restrict  bool
}

func NewReadImageTool(workspace string, restrict bool) *ReadImageTool {
	return &ReadImageTool{workspace: workspace, restrict: restrict}
}

func (t *ReadImageTool) Name() string { return "read_image" }

func (t *ReadImageTool) Description() string {
	return "View an image. Pass a file path, or an index to view an image attached to the current message."
}

func (t *ReadImageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to an image file in the workspace",
			},
			"index": map[string]interface{}{
				"type":        "number",
				"description": "Index of an image attached to the current message (0-based)",
			},
		},
	}
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if path, _ := args["path"].(string); path != "" {
		return t.readFromFile(path)
	}

	images := MediaImagesFromCtx(ctx)
	if len(images) == 0 {
		return ErrorResult("no images attached to the current message; pass a file path instead")
	}
	index := 0
	if idx, ok := args["index"].(float64); ok {
		index = int(idx)
	}
	if index < 0 || index >= len(images) {
		return ErrorResult(fmt.Sprintf("image index %d out of range (message has %d)", index, len(images)))
	}

	img := images[index]
	r := NewResult(fmt.Sprintf("attached image %d of %d", index+1, len(images)))
	r.Images = append(r.Images, img)
	return r
}

func (t *ReadImageTool) readFromFile(path string) *Result {
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read image: %v", err))
	}
	if info.Size() > readImageMaxBytes {
		return ErrorResult(fmt.Sprintf("image too large: %d bytes (limit %d)", info.Size(), readImageMaxBytes))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read image: %v", err))
	}

	mime, b64, err := encodeImageBlock(data)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to decode image: %v", err))
	}
	return NewResult(fmt.Sprintf("image %s (%s, %d bytes)", path, mime, info.Size())).WithImage(mime, b64)
}

// encodeImageBlock prepares raw image bytes for a model image block:
// oversized images are scaled down and re-encoded as JPEG, small JPEG and
// PNG payloads pass through untouched.
func encodeImageBlock(data []byte) (mime, b64 string, err error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}

	bounds := img.Bounds()
	mime = http.DetectContentType(data)
	if bounds.Dx() <= readImageMaxDim && bounds.Dy() <= readImageMaxDim &&
		(mime == "image/jpeg" || mime == "image/png") {
		return mime, base64.StdEncoding.EncodeToString(data), nil
	}

	if bounds.Dx() > readImageMaxDim || bounds.Dy() > readImageMaxDim {
		img = imaging.Fit(img, readImageMaxDim, readImageMaxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", "", err
	}
	return "image/jpeg", base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
