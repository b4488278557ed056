package tools

import (
	"strings"
	"testing"
	"time"
)

func TestCheckSSRF_BlockedAddresses(t *testing.T) {
	blocked := []string{
		"http://localhost/admin",
		"http://sub.localhost/",
		"http://127.0.0.1:8080/",
		"http://[::1]/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/",
	}
	for _, u := range blocked {
		if err := checkSSRF(u); err == nil {
			t.Errorf("expected %s to be blocked", u)
		}
	}
}

func TestCheckSSRF_PublicAllowed(t *testing.T) {
	// Literal public IPs resolve without DNS.
	if err := checkSSRF("http://93.184.216.34/"); err != nil {
		t.Errorf("expected public IP allowed, got %v", err)
	}
}

func TestWebCache_SetGet(t *testing.T) {
	c := newWebCache(10, time.Minute)
	c.set("k", "v")

	got, ok := c.get("k")
	if !ok || got != "v" {
		t.Errorf("expected cached v, got %q ok=%v", got, ok)
	}
	if _, ok := c.get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestWebCache_Expiry(t *testing.T) {
	c := newWebCache(10, 10*time.Millisecond)
	c.set("k", "v")
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Error("expected entry to expire")
	}
}

func TestWebCache_EvictsAtCapacity(t *testing.T) {
	c := newWebCache(3, time.Minute)
	c.set("a", "1")
	c.set("b", "2")
	c.set("c", "3")
	c.set("d", "4")

	if len(c.entries) > 3 {
		t.Errorf("expected at most 3 entries, got %d", len(c.entries))
	}
	if got, ok := c.get("d"); !ok || got != "4" {
		t.Error("newest entry should be present")
	}
}

func TestWrapExternalContent(t *testing.T) {
	wrapped := wrapExternalContent("body text", "web search", true)
	if !strings.Contains(wrapped, `<external_content source="web search">`) {
		t.Errorf("expected boundary marker, got %q", wrapped)
	}
	if !strings.Contains(wrapped, "</external_content>") {
		t.Errorf("expected closing marker, got %q", wrapped)
	}
	if !strings.Contains(wrapped, "reference data only") {
		t.Errorf("expected note, got %q", wrapped)
	}

	noNote := wrapExternalContent("body", "x", false)
	if strings.Contains(noNote, "reference data only") {
		t.Error("note should be omitted when includeNote is false")
	}
}
