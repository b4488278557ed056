package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Label is the task class assigned to an inbound message.
type Label string

const (
	LabelDialogue Label = "dialogue"
	LabelAction   Label = "action"
)

// greetingPhrases match as whole (trimmed, lowercased) messages.
var greetingPhrases = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {},
	"thanks": {}, "thank you": {}, "thx": {}, "ok": {}, "okay": {},
	"good morning": {}, "good night": {}, "bye": {},
	"你好": {}, "您好": {}, "嗨": {}, "在吗": {}, "在么": {},
	"谢谢": {}, "多谢": {}, "谢了": {}, "好的": {}, "好": {},
	"早上好": {}, "早安": {}, "晚上好": {}, "晚安": {}, "再见": {},
}

// questionPrefixes mark informational questions.
var questionPrefixes = []string{
	"what is", "what's", "who is", "why ", "how does",
	"什么是", "啥是", "为什么", "是什么",
}

// actionKeywords are imperative verbs and object references that mark a
// message as a do-something request.
var actionKeywords = []string{
	// imperatives
	"open ", "create ", "write ", "delete ", "remove ", "search ",
	"run ", "execute ", "install ", "remind ", "schedule ", "download ",
	"打开", "创建", "新建", "写", "删除", "删掉", "搜索", "搜一下",
	"运行", "执行", "安装", "提醒", "下载", "帮我",
	// object references
	"file", "folder", "window", "skill", "script",
	"文件", "文件夹", "窗口", "技能", "脚本",
	// scheduling phrases
	"every day", "daily at", "定时", "每天", "每周", "每小时",
}

// shortQuestionRunes bounds the "ends with a question mark" dialogue rule.
const shortQuestionRunes = 50

// Classify assigns dialogue or action to a user message using a fixed rule
// table. Pure function of its input, so repeated calls agree.
func Classify(text string) Label {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return LabelDialogue
	}
	lower := strings.ToLower(trimmed)

	if _, ok := greetingPhrases[lower]; ok {
		return LabelDialogue
	}
	for _, p := range questionPrefixes {
		if strings.HasPrefix(lower, p) {
			return LabelDialogue
		}
	}
	if (strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？")) &&
		utf8.RuneCountInString(trimmed) < shortQuestionRunes {
		return LabelDialogue
	}

	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return LabelAction
		}
	}
	return LabelDialogue
}

// scriptEvidence matches responses that commit to creating and running a
// script, which satisfies the guardrail even without a tool_use block (the
// commitment shows up one iteration before the actual calls).
var scriptEvidence = []*regexp.Regexp{
	regexp.MustCompile(`(?is)write_file.{0,120}\.py`),
	regexp.MustCompile(`(?is)run_shell.{0,120}python`),
	regexp.MustCompile(`(?s)(创建|新建|写).{0,40}(脚本|\.py)`),
	regexp.MustCompile(`(?s)(运行|执行).{0,40}(python|脚本)`),
}

// MentionsScriptWork reports whether assistant text claims script-based
// execution of the task.
func MentionsScriptWork(text string) bool {
	for _, re := range scriptEvidence {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// guardHint is injected after a violation so the retry actually acts.
const guardHint = "[system reminder] 这是一个操作类请求：请调用合适的工具来完成它，" +
	"不要只用文字答复。如果没有现成的工具，请先用 write_file 创建一个 Python 脚本（.py），" +
	"再用 run_shell 运行 python 执行它。"

// GuardError reports an action-classified turn that kept answering in prose
// after the retry budget was spent.
type GuardError struct {
	Violations int
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guardrail: model answered an action request with prose %d times", e.Violations)
}
