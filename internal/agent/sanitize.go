package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeAssistantContent cleans assistant text before it is persisted and
// sent: garbled tool-call XML some models leak as prose, thinking tags,
// repeated paragraphs, and leading blank lines.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content
	content = stripGarbledToolXML(content)
	if content == "" {
		return ""
	}
	content = stripThinkingTags(content)
	content = collapseDuplicateParagraphs(content)
	content = stripLeadingBlankLines(content)
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Some models emit tool invocations as literal XML in the text channel
// instead of structured blocks. Drop the tags; if nothing meaningful
// remains, drop the response.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"<function_call", "<tool_call", "<tool_use",
	"<invoke", "<parameter name=", "</parameter",
}

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	hit := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			hit = true
			break
		}
	}
	if !hit {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	slog.Warn("stripped garbled tool-call XML from assistant text",
		"original_len", len(content), "remaining_len", len(cleaned))
	return cleaned
}

var thinkingTagPatterns = func() []*regexp.Regexp {
	tags := []string{"think", "thinking", "thought"}
	pats := make([]*regexp.Regexp, len(tags))
	for i, tag := range tags {
		pats[i] = regexp.MustCompile(`(?is)<` + tag + `>.*?</` + tag + `>`)
	}
	return pats
}()

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// collapseDuplicateParagraphs removes consecutive repeated paragraph blocks,
// a common failure mode on retried generations.
func collapseDuplicateParagraphs(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}
