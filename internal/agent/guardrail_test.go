package agent

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want Label
	}{
		{"你好", LabelDialogue},
		{"hello", LabelDialogue},
		{"谢谢", LabelDialogue},
		{"thank you", LabelDialogue},
		{"what is a goroutine", LabelDialogue},
		{"什么是量子计算", LabelDialogue},
		{"今天天气怎么样？", LabelDialogue},
		{"are you there?", LabelDialogue},
		{"", LabelDialogue},
		{"随便聊聊吧", LabelDialogue},

		{"打开百度", LabelAction},
		{"创建一个新文件", LabelAction},
		{"删除 temp 目录", LabelAction},
		{"帮我搜索最近的新闻", LabelAction},
		{"run the backup script", LabelAction},
		{"install ffmpeg", LabelAction},
		{"每天早上提醒我喝水", LabelAction},
		{"open the browser and check my mail", LabelAction},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same input always yields the same label", prop.ForAll(
		func(text string) bool {
			return Classify(text) == Classify(text)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestMentionsScriptWork(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"我会用 write_file 创建 fetch.py 然后运行", true},
		{"I'll call run_shell to execute python fetch.py", true},
		{"我来创建一个脚本处理这个任务", true},
		{"接下来运行 python 处理数据", true},
		{"好的，我来为你打开百度", false},
		{"done, anything else?", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := MentionsScriptWork(tt.text); got != tt.want {
			t.Errorf("MentionsScriptWork(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
