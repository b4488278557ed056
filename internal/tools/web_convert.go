package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON bodies; invalid JSON passes through raw.
func extractJSON(body []byte) string {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body)
	}
	formatted, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(formatted)
}

// Regex-based HTML extraction. Not a full readability pass, but enough for
// articles and documentation pages without pulling in a DOM parser.
var (
	reScript   = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle    = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reNav      = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	reFooter   = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	reComment  = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reHeading  = regexp.MustCompile(`(?i)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	rePara     = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reBreak    = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reAnchor   = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	rePre      = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode     = regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`)
	reStrong   = regexp.MustCompile(`(?i)<(?:strong|b)(?:\s[^>]*)?>([\s\S]*?)</(?:strong|b)>`)
	reTag      = regexp.MustCompile(`<[^>]+>`)
	reMultiNL  = regexp.MustCompile(`\n{3,}`)
	reMultiSP  = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlToMarkdown converts HTML to a markdown-like rendition.
func htmlToMarkdown(html string) string {
	s := stripNonContent(html)

	s = reHeading.ReplaceAllStringFunc(s, func(match string) string {
		m := reHeading.FindStringSubmatch(match)
		level := int(m[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + m[2] + "\n"
	})
	s = rePre.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = reCode.ReplaceAllString(s, "`$1`")
	s = reAnchor.ReplaceAllString(s, "[$2]($1)")
	s = reStrong.ReplaceAllString(s, "**$1**")
	s = rePara.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")

	s = reTag.ReplaceAllString(s, "")
	s = decodeHTMLEntities(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text, one trimmed line per block element.
func htmlToText(html string) string {
	s := stripNonContent(html)
	s = rePara.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")
	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	var clean []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

func stripNonContent(html string) string {
	s := reScript.ReplaceAllString(html, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reNav.ReplaceAllString(s, "")
	s = reFooter.ReplaceAllString(s, "")
	return s
}

func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&hellip;", "...",
		"&copy;", "(c)",
	)
	return replacer.Replace(s)
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
