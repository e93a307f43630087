package bridge

import (
	"encoding/json"

	"github.com/kandev/browserpilot/internal/engine"
	"github.com/kandev/browserpilot/internal/llm"
)

// Messages exchanged with the runner process, one JSON object per line.
const (
	msgStart   = "start"
	msgPause   = "pause"
	msgResume  = "resume"
	msgClose   = "close"
	msgHistory = "history"
	msgResult  = "result"
	msgError   = "error"
	msgLog     = "log"
)

// command is written to the runner's stdin.
type command struct {
	Type     string          `json:"type"`
	Task     string          `json:"task,omitempty"`
	MaxSteps int             `json:"max_steps,omitempty"`
	LLM      *llm.Settings   `json:"llm,omitempty"`
	Browser  *engine.Options `json:"browser,omitempty"`
}

// message is read from the runner's stdout.
type message struct {
	Type           string          `json:"type"`
	Entry          json.RawMessage `json:"entry,omitempty"`
	Result         *engine.Result  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ResourceClosed bool            `json:"resource_closed,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// decodeEntry parses a history entry, keeping the raw payload when it does
// not match the expected shape.
func decodeEntry(raw json.RawMessage) engine.Entry {
	var e engine.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return engine.Entry{Raw: append(json.RawMessage(nil), raw...)}
	}
	if e.Kind() == engine.KindUnknown && len(e.Raw) == 0 {
		e.Raw = append(json.RawMessage(nil), raw...)
	}
	return e
}
