// Package sessions — conversation history keyed by the serialization triple.
//
// Session keys follow the canonical format:
//
//	{channel}:{chatId}:{userId}
//
// Where {channel} is the adapter tag ("telegram", "feishu", "wework",
// "dingtalk", "onebot", "qqbot", "discord") or a synthetic origin:
//
//	CLI REPL:  cli:local:{user}
//	Cron run:  cron:{jobId}:{runId}
//
// Examples:
//
//	telegram:386246614:telegram:386246614
//	wework:wrkSFfCgAA:wework:ZhangSan
//	cron:daily-report:run-20260825
package sessions

import (
	"fmt"
	"strings"
)

// Key builds the canonical session key for a conversation.
func Key(channel, chatID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, chatID, userID)
}

// ParseKey splits a canonical key into its triple. The user id may itself
// contain colons (it carries a channel prefix), so only the first two
// separators split. Returns empty strings for malformed keys.
func ParseKey(key string) (channel, chatID, userID string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}

// CronKey builds the session key for one scheduled job run.
func CronKey(jobID, runID string) string {
	return fmt.Sprintf("cron:%s:%s", jobID, runID)
}

// CLIKey builds the session key for the interactive REPL.
func CLIKey(user string) string {
	if user == "" {
		user = "local"
	}
	return fmt.Sprintf("cli:local:%s", user)
}

// IsCronKey reports whether a key belongs to a scheduled run rather than a
// chat conversation.
func IsCronKey(key string) bool {
	return strings.HasPrefix(key, "cron:")
}
