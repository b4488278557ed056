package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellOutput      = 30000 // bytes kept from combined stdout/stderr
)

// Dangerous command patterns denied regardless of config. These guard the
// host the gateway runs on; they are not a sandbox substitute.
var defaultDenyPatterns = []*regexp.Regexp{
	// destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// remote code execution pipelines
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),

	// reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// loader injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES)\s*=`),

	// secret dumping
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),

	// process manipulation
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// RunShellTool executes shell commands inside the workspace.
type RunShellTool struct {
	workspace    string
	restrict     bool
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewRunShellTool(workspace string, restrict bool) *RunShellTool {
	return &RunShellTool{
		workspace:    workspace,
		restrict:     restrict,
		timeout:      defaultShellTimeout,
		denyPatterns: defaultDenyPatterns,
	}
}

// SetTimeout overrides the per-command wall clock limit.
func (t *RunShellTool) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *RunShellTool) Name() string { return "run_shell" }

func (t *RunShellTool) Description() string {
	return "Execute a shell command and return its output. Commands run in the workspace directory."
}

func (t *RunShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory (relative to the workspace)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *RunShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		if t.restrict {
			resolved, err := resolvePath(wd, t.workspace, true)
			if err != nil {
				return ErrorResult(err.Error())
			}
			cwd = resolved
		} else {
			cwd = wd
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	output = capOutput(output)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}

	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}

// capOutput truncates combined output at a byte budget, keeping the head.
// Truncation lands on a line boundary when one is near.
func capOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	cut := s[:maxShellOutput]
	if i := strings.LastIndexByte(cut, '\n'); i > maxShellOutput/2 {
		cut = cut[:i]
	}
	return cut + fmt.Sprintf("\n... (output truncated at %d bytes)", maxShellOutput)
}
