package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	browserMaxChars = 20000
	browserNavWait  = 30 * time.Second
)

// BrowserTool drives a headless Chromium instance. The browser launches
// lazily on the first open and is shared across turns; actions serialize on
// the tool mutex.
type BrowserTool struct {
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Control a headless browser: open a URL, read the current page text, or take a screenshot. Use this to open websites for the user."
}

func (t *BrowserTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Browser action to perform",
				"enum":        []string{"open", "text", "screenshot", "close"},
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to navigate to (for the open action)",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "Optional CSS selector to scope text extraction",
			},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch action {
	case "open":
		url, _ := args["url"].(string)
		return t.open(ctx, url)
	case "text":
		selector, _ := args["selector"].(string)
		return t.extractText(ctx, selector)
	case "screenshot":
		return t.screenshot(ctx)
	case "close":
		t.closeLocked()
		return SilentResult("browser closed")
	default:
		return ErrorResult(fmt.Sprintf("unknown browser action %q (want open, text, screenshot, or close)", action))
	}
}

// Close shuts the shared browser down. Called on gateway shutdown.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *BrowserTool) open(ctx context.Context, url string) *Result {
	if url == "" {
		return ErrorResult("url is required for the open action")
	}
	if err := checkSSRF(url); err != nil {
		return ErrorResult(fmt.Sprintf("blocked: %v", err))
	}

	page, err := t.ensurePage()
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser launch failed: %v", err))
	}

	p := page.Context(ctx).Timeout(browserNavWait)
	if err := p.Navigate(url); err != nil {
		return ErrorResult(fmt.Sprintf("navigation failed: %v", err))
	}
	if err := p.WaitLoad(); err != nil {
		slog.Debug("page load wait ended early", "url", url, "error", err)
	}

	info, err := p.Info()
	if err != nil {
		return ErrorResult(fmt.Sprintf("page info failed: %v", err))
	}

	text, err := t.pageText(p, "")
	if err != nil {
		text = "(text extraction failed: " + err.Error() + ")"
	}
	return NewResult(fmt.Sprintf("Opened: %s\nTitle: %s\n\n%s", info.URL, info.Title, truncateStr(text, browserMaxChars)))
}

func (t *BrowserTool) extractText(ctx context.Context, selector string) *Result {
	if t.page == nil {
		return ErrorResult("no page is open; use the open action first")
	}
	text, err := t.pageText(t.page.Context(ctx).Timeout(browserNavWait), selector)
	if err != nil {
		return ErrorResult(fmt.Sprintf("text extraction failed: %v", err))
	}
	if text == "" {
		return NewResult("(page has no visible text)")
	}
	return NewResult(truncateStr(text, browserMaxChars))
}

func (t *BrowserTool) screenshot(ctx context.Context) *Result {
	if t.page == nil {
		return ErrorResult("no page is open; use the open action first")
	}
	data, err := t.page.Context(ctx).Timeout(browserNavWait).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("screenshot failed: %v", err))
	}
	mime, b64, err := encodeImageBlock(data)
	if err != nil {
		return ErrorResult(fmt.Sprintf("screenshot encode failed: %v", err))
	}
	return NewResult(fmt.Sprintf("screenshot captured (%d bytes)", len(data))).WithImage(mime, b64)
}

func (t *BrowserTool) pageText(p *rod.Page, selector string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	el, err := p.Element(selector)
	if err != nil {
		return "", fmt.Errorf("element %q not found: %w", selector, err)
	}
	return el.Text()
}

func (t *BrowserTool) ensurePage() (*rod.Page, error) {
	if t.page != nil {
		return t.page, nil
	}

	l := launcher.New().Headless(true).NoSandbox(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	// The browser outlives the turn; per-action deadlines come from the
	// page clones, not from this connect context.
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("create page: %w", err)
	}

	t.launcher = l
	t.browser = browser
	t.page = page
	slog.Info("headless browser launched")
	return page, nil
}

func (t *BrowserTool) closeLocked() {
	if t.browser != nil {
		if err := t.browser.Close(); err != nil {
			slog.Debug("browser close", "error", err)
		}
	}
	if t.launcher != nil {
		t.launcher.Kill()
	}
	t.page = nil
	t.browser = nil
	t.launcher = nil
}
