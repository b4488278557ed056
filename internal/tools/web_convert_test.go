package tools

import (
	"strings"
	"testing"
)

func TestHTMLToMarkdown(t *testing.T) {
	html := `<html><head><script>alert(1)</script><style>p{}</style></head>
<body><nav>menu</nav><h1>Title</h1><p>Hello <strong>world</strong>.</p>
<ul><li>one</li><li>two</li></ul>
<a href="https://example.com">link</a>
<pre>code block</pre></body></html>`

	md := htmlToMarkdown(html)

	if !strings.Contains(md, "# Title") {
		t.Errorf("expected h1 heading, got %q", md)
	}
	if !strings.Contains(md, "**world**") {
		t.Errorf("expected bold marker, got %q", md)
	}
	if !strings.Contains(md, "- one") || !strings.Contains(md, "- two") {
		t.Errorf("expected list items, got %q", md)
	}
	if !strings.Contains(md, "[link](https://example.com)") {
		t.Errorf("expected markdown link, got %q", md)
	}
	if strings.Contains(md, "alert(1)") || strings.Contains(md, "menu") {
		t.Errorf("script/nav content should be stripped, got %q", md)
	}
}

func TestHTMLToText(t *testing.T) {
	html := `<body><h2>Head</h2><p>First &amp; second</p><br><p>  Third  </p></body>`
	text := htmlToText(html)

	if !strings.Contains(text, "First & second") {
		t.Errorf("expected entity decoding, got %q", text)
	}
	if strings.Contains(text, "<") {
		t.Errorf("expected tags stripped, got %q", text)
	}
	for _, line := range strings.Split(text, "\n") {
		if line != strings.TrimSpace(line) || line == "" {
			t.Errorf("expected trimmed non-empty lines, got %q", text)
			break
		}
	}
}

func TestExtractJSON(t *testing.T) {
	pretty := extractJSON([]byte(`{"b":1,"a":[2,3]}`))
	if !strings.Contains(pretty, "\n  \"a\"") {
		t.Errorf("expected indented JSON, got %q", pretty)
	}

	raw := extractJSON([]byte(`not json {`))
	if raw != "not json {" {
		t.Errorf("invalid JSON should pass through, got %q", raw)
	}
}

func TestUnwrapDDGRedirect(t *testing.T) {
	wrapped := "//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=abc"
	got := unwrapDDGRedirect(wrapped)
	if got != "https://example.com/page" {
		t.Errorf("expected unwrapped URL, got %q", got)
	}

	plain := "https://direct.example.com/"
	if unwrapDDGRedirect(plain) != plain {
		t.Error("non-redirect URLs should pass through")
	}
}

func TestParseDDGResults(t *testing.T) {
	html := `
<a class="result__a" href="https://one.example.com">First <b>Result</b></a>
<a class="result__snippet" href="#">Snippet one</a>
<a class="result__a" href="https://two.example.com">Second Result</a>
<a class="result__snippet" href="#">Snippet two</a>
<a class="result__a" href="https://three.example.com">Third Result</a>`

	results := parseDDGResults(html, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "First Result" {
		t.Errorf("expected tag-stripped title, got %q", results[0].Title)
	}
	if results[0].URL != "https://one.example.com" {
		t.Errorf("unexpected URL %q", results[0].URL)
	}
	if results[1].Description != "Snippet two" {
		t.Errorf("unexpected snippet %q", results[1].Description)
	}
}

func TestTruncateStr(t *testing.T) {
	if truncateStr("short", 10) != "short" {
		t.Error("short strings pass through")
	}
	got := truncateStr("0123456789abc", 10)
	if got != "0123456789..." {
		t.Errorf("expected head plus ellipsis, got %q", got)
	}
}
