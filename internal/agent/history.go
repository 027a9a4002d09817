package agent

import "sync"

// DefaultHistoryLimit is how many messages of a session survive.
const DefaultHistoryLimit = 20

// historyStore keeps per-session conversation history in memory,
// trimmed to the newest limit messages. History does not survive a
// restart.
type historyStore struct {
	mu       sync.Mutex
	limit    int
	sessions map[string][]Message
}

func newHistoryStore(limit int) *historyStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &historyStore{limit: limit, sessions: make(map[string][]Message)}
}

func (h *historyStore) get(sessionID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.sessions[sessionID]...)
}

func (h *historyStore) append(sessionID string, msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	history := append(h.sessions[sessionID], msgs...)
	if len(history) > h.limit {
		history = history[len(history)-h.limit:]
	}
	h.sessions[sessionID] = history
}

func (h *historyStore) clear(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sessionID)
}
