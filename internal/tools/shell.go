package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Command patterns run_shell refuses outright. The tool runs on the host, so
// obviously destructive or escalating commands are screened before exec.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
}

// RunShellTool executes shell commands on the host when explicitly enabled.
type RunShellTool struct {
	workingDir   string
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewRunShellTool(workingDir string) *RunShellTool {
	return &RunShellTool{
		workingDir:   workingDir,
		timeout:      60 * time.Second,
		denyPatterns: defaultDenyPatterns,
	}
}

func (t *RunShellTool) Name() string        { return "run_shell" }
func (t *RunShellTool) Description() string { return "Execute a shell command and return its output" }
func (t *RunShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
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

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

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
	return NewResult(output)
}
