package engine

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntry_Kind(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  EntryKind
	}{
		{"error", Entry{Error: "net::ERR_TIMED_OUT"}, KindError},
		{"result error wins over action", Entry{
			ModelOutput: &ModelOutput{Actions: []Action{{Name: "click_element"}}},
			Results:     []ActionResult{{Error: "element not found"}},
		}, KindError},
		{"action", Entry{ModelOutput: &ModelOutput{Actions: []Action{{Name: "go_to_url"}}}}, KindAction},
		{"observation", Entry{Results: []ActionResult{{ExtractedContent: "price: 42"}}}, KindObservation},
		{"done", Entry{Results: []ActionResult{{IsDone: true}}}, KindObservation},
		{"thinking", Entry{ModelOutput: &ModelOutput{CurrentState: &CurrentState{NextGoal: "search"}}}, KindThinking},
		{"empty state", Entry{ModelOutput: &ModelOutput{CurrentState: &CurrentState{}}}, KindUnknown},
		{"raw", Entry{Raw: json.RawMessage(`"???"`)}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Kind())
		})
	}
}

func TestHistoryLog_Slice(t *testing.T) {
	var h HistoryLog
	for i := 0; i < 5; i++ {
		h.Append(Entry{Error: string(rune('a' + i))})
	}

	assert.Equal(t, 5, h.Len())
	got := h.Slice(3, 10)
	assert.Len(t, got, 2)
	assert.Equal(t, "d", got[0].Error)
	assert.Nil(t, h.Slice(5, 5))
	assert.Nil(t, h.Slice(4, 2))

	got[0].Error = "mutated"
	assert.Equal(t, "d", h.Slice(3, 4)[0].Error)
}

func TestHistoryLog_ConcurrentAppend(t *testing.T) {
	var h HistoryLog
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Append(Entry{})
			_ = h.Slice(0, h.Len())
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, h.Len())
}
