// Package agentio defines the wire contract between the host runtime and the
// agent process inside a sandbox container: the stdin request object, the
// marker-delimited stdout result, and the loose JSON payloads exchanged
// through the file IPC directories. Agent images import this package to stay
// in sync with the host.
package agentio

import (
	"encoding/json"
	"strings"
)

// Markers bracketing the structured result block on agent stdout.
const (
	OutputStart = "---NGB_OUTPUT_START---"
	OutputEnd   = "---NGB_OUTPUT_END---"
)

// Input is the single JSON object written to a one-shot agent's stdin.
type Input struct {
	Prompt      string `json:"prompt"`
	SessionID   string `json:"sessionId"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	IsMain      bool   `json:"isMain"`
}

// Output is the structured result an agent reports on stdout.
type Output struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

// Output status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// SessionInput is the payload a long-lived session writes into the IPC
// input directory for the agent to pick up.
type SessionInput struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
}

// ShutdownSignal is the body of the input/_shutdown.json sentinel.
type ShutdownSignal struct {
	Shutdown bool `json:"shutdown"`
}

// ParseOutput recovers the agent's Output from captured stdout/stderr.
// Precedence: the marker-delimited JSON block if present and well-formed,
// then the whole trimmed stdout parsed as JSON, then any non-empty stdout
// treated as a success result, then an error carrying stderr (or "no
// output" when even stderr is empty). A non-zero exit code is irrelevant
// here; the parsed status carries the meaning.
func ParseOutput(stdout, stderr []byte) Output {
	out := string(stdout)

	if start := strings.Index(out, OutputStart); start >= 0 {
		rest := out[start+len(OutputStart):]
		if end := strings.Index(rest, OutputEnd); end >= 0 {
			var o Output
			block := strings.TrimSpace(rest[:end])
			if err := json.Unmarshal([]byte(block), &o); err == nil && o.Status != "" {
				return o
			}
		}
	}

	trimmed := strings.TrimSpace(out)
	if trimmed != "" {
		var o Output
		if err := json.Unmarshal([]byte(trimmed), &o); err == nil && o.Status != "" {
			return o
		}
		return Output{Status: StatusSuccess, Result: trimmed}
	}

	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return Output{Status: StatusError, Error: msg}
	}
	return Output{Status: StatusError, Error: "no output"}
}

// ipcTextFields is the lookup order for display text in an IPC payload.
var ipcTextFields = []string{"text", "result", "message", "response"}

// ExtractText pulls display text out of an IPC output payload: the first
// non-empty string among the text/result/message/response fields, falling
// back to the raw trimmed content when the payload is not JSON or carries
// none of them.
func ExtractText(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, k := range ipcTextFields {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
