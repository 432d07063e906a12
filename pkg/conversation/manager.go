// Package conversation tracks multi-turn dialogue state: participant
// sets fixed at creation, activity timestamps, and TTL expiry.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/storage"
)

// Conversation is one tracked dialogue. The participant set never changes
// after creation.
type Conversation struct {
	ID           domain.ConversationID
	Participants []domain.AgentID
	Protocol     string
	CreatedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
	messageCount uint64
}

// LastActivity returns the most recent update time.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// MessageCount returns the monotonically increasing message tally.
func (c *Conversation) MessageCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageCount
}

// touch refreshes activity and bumps the count.
func (c *Conversation) touch(at time.Time) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = at
	c.messageCount++
	return c.messageCount
}

// Manager owns all live conversations. A conversation is created lazily on
// the first message referencing its id and destroyed after
// last-activity + timeout.
type Manager struct {
	mu            sync.RWMutex
	conversations map[domain.ConversationID]*Conversation
	timeout       time.Duration

	// store persists conversation rows when non-nil; expiry archives
	// before removal.
	store *storage.Store

	logger   *logx.Logger
	recorder metrics.Recorder
}

// NewManager creates a manager with the given idle timeout. store may be nil.
func NewManager(timeout domain.ConversationTimeout, store *storage.Store, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Manager{
		conversations: make(map[domain.ConversationID]*Conversation),
		timeout:       timeout.Duration(),
		store:         store,
		logger:        logx.NewLogger("conversation"),
		recorder:      recorder,
	}
}

// GetOrCreate returns the existing conversation or creates one with the
// provided participant set. Participant counts outside 1..100 are rejected.
func (m *Manager) GetOrCreate(id domain.ConversationID, participants []domain.AgentID, protocol string) (*Conversation, error) {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if ok {
		return conv, nil
	}

	if len(participants) < 1 || len(participants) > domain.MaxConversationParticipants {
		return nil, fmt.Errorf("%w: participant count %d outside [1, %d]",
			domain.ErrValidation, len(participants), domain.MaxConversationParticipants)
	}

	m.mu.Lock()
	if conv, ok = m.conversations[id]; ok {
		m.mu.Unlock()
		return conv, nil
	}
	now := time.Now().UTC()
	conv = &Conversation{
		ID:           id,
		Participants: append([]domain.AgentID(nil), participants...),
		Protocol:     protocol,
		CreatedAt:    now,
		lastActivity: now,
	}
	m.conversations[id] = conv
	count := len(m.conversations)
	m.mu.Unlock()

	m.recorder.SetActiveConversations(count)
	m.persist(conv)
	return conv, nil
}

// Get returns the conversation, or ErrNotFound.
func (m *Manager) Get(id domain.ConversationID) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
	}
	return conv, nil
}

// Update records a message in the conversation: increments the count and
// refreshes last-activity. Fails if the id is not known.
func (m *Manager) Update(id domain.ConversationID) error {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
	}
	conv.touch(time.Now().UTC())
	m.persist(conv)
	return nil
}

// Active returns the number of live conversations.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// CleanupExpired removes conversations idle past the timeout and returns
// the count removed. Persisted rows are archived before removal.
func (m *Manager) CleanupExpired() int {
	cutoff := time.Now().UTC().Add(-m.timeout)

	m.mu.Lock()
	var expired []*Conversation
	for id, conv := range m.conversations {
		if conv.LastActivity().Before(cutoff) {
			expired = append(expired, conv)
			delete(m.conversations, id)
		}
	}
	count := len(m.conversations)
	m.mu.Unlock()

	for _, conv := range expired {
		if m.store != nil {
			if err := m.store.ArchiveConversation(conv.ID); err != nil {
				m.logger.Warn("failed to archive conversation %s: %v", conv.ID, err)
			}
		}
		m.logger.Debug("expired conversation %s after %d messages", conv.ID, conv.MessageCount())
	}

	m.recorder.SetActiveConversations(count)
	return len(expired)
}

// persist mirrors the conversation into storage when configured.
func (m *Manager) persist(conv *Conversation) {
	if m.store == nil {
		return
	}
	rec := &storage.ConversationRecord{
		ConversationID: conv.ID,
		Protocol:       conv.Protocol,
		CreatedAt:      conv.CreatedAt,
		LastActivity:   conv.LastActivity(),
		MessageCount:   conv.MessageCount(),
		Participants:   conv.Participants,
	}
	if err := m.store.SaveConversation(rec); err != nil {
		m.logger.Warn("failed to persist conversation %s: %v", conv.ID, err)
	}
}
