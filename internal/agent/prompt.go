package agent

import (
	"fmt"
	"strings"
	"time"
)

const defaultPersona = `You are OpenAkita, a hands-on personal assistant living on the user's machine.
You are direct, concise, and you finish what you start. Reply in the language the user writes in.`

// PromptInputs carries the pieces the system prompt is assembled from.
type PromptInputs struct {
	Persona   string
	Workspace string
	Catalog   string // level-1 tool catalog (names + short descriptions)
	Skills    string // skills summary block, may be empty
	Now       time.Time
}

// BuildSystemPrompt assembles the turn's system prompt: persona, environment
// facts, the tool catalog, and the skill summary. Tool schemas are not
// inlined; the model fetches them with tool_info when it needs one.
func BuildSystemPrompt(in PromptInputs) string {
	var b strings.Builder

	persona := strings.TrimSpace(in.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)
	b.WriteString("\n\n")

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(&b, "Current time: %s\n", now.Format("2006-01-02 15:04 Mon"))
	if in.Workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", in.Workspace)
	}
	b.WriteString("\n")

	if in.Catalog != "" {
		b.WriteString("## Tools\n")
		b.WriteString(in.Catalog)
		b.WriteString("\n")
		b.WriteString("Call tool_info with a tool name to get its full parameter schema.\n")
		b.WriteString("When the user asks you to DO something, act with tools instead of describing ")
		b.WriteString("what you would do. If no tool fits, create a Python script with write_file ")
		b.WriteString("and run it with run_shell.\n\n")
	}

	if in.Skills != "" {
		b.WriteString("## Skills\n")
		b.WriteString(in.Skills)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
