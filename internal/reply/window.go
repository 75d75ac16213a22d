package reply

import "sync"

// MaxContextExchanges bounds the per-conversation prompt window.
const MaxContextExchanges = 5

// Turn is one (role, text) entry of the model prompt window.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextWindow is a size-capped in-memory buffer of recent turns per
// conversation, used only to build model prompts. It is a cache: being empty
// after a restart is safe, the durable message log remains the display
// source of truth.
type ContextWindow struct {
	mu    sync.Mutex
	turns map[string][]Turn
	cap   int
}

// NewContextWindow creates a window capped at maxExchanges user/assistant
// pairs per conversation.
func NewContextWindow(maxExchanges int) *ContextWindow {
	if maxExchanges <= 0 {
		maxExchanges = MaxContextExchanges
	}
	return &ContextWindow{
		turns: map[string][]Turn{},
		cap:   maxExchanges * 2,
	}
}

// Push appends a turn, evicting the oldest turns beyond the cap.
func (w *ContextWindow) Push(conversationID, role, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	turns := append(w.turns[conversationID], Turn{Role: role, Content: content})
	if over := len(turns) - w.cap; over > 0 {
		turns = turns[over:]
	}
	w.turns[conversationID] = turns
}

// Turns returns a copy of the current window for a conversation.
func (w *ContextWindow) Turns(conversationID string) []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	stored := w.turns[conversationID]
	out := make([]Turn, len(stored))
	copy(out, stored)
	return out
}

// Reset drops a conversation's window.
func (w *ContextWindow) Reset(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.turns, conversationID)
}
