package tools

import (
	"context"

	"github.com/xiaoyubing999/openakita-sub001/internal/providers"
)

// Tool execution context keys. The gateway decorates the turn context with
// the originating conversation before handing it to the agent loop, so tools
// stay stateless and safe for concurrent turns.

type toolContextKey string

const (
	ctxChannel     toolContextKey = "tool_channel"
	ctxChatID      toolContextKey = "tool_chat_id"
	ctxChatType    toolContextKey = "tool_chat_type"
	ctxMediaImages toolContextKey = "tool_media_images"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolChatType(ctx context.Context, chatType string) context.Context {
	return context.WithValue(ctx, ctxChatType, chatType)
}

func ToolChatTypeFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatType).(string)
	return v
}

// WithMediaImages stores the base64 image blocks attached to the current
// message so read_image can surface them to a vision-capable model turn.
func WithMediaImages(ctx context.Context, images []providers.Block) context.Context {
	return context.WithValue(ctx, ctxMediaImages, images)
}

func MediaImagesFromCtx(ctx context.Context) []providers.Block {
	v, _ := ctx.Value(ctxMediaImages).([]providers.Block)
	return v
}
