package storage

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"agentmesh/pkg/domain"
)

// DeadLetterStats reports dead-letter queue occupancy for health checks.
type DeadLetterStats struct {
	Count   int    `json:"count"`
	Cap     int    `json:"cap"`
	Evicted uint64 `json:"evicted"`
}

// StoreDeadLetter persists an undeliverable message with its failure reason.
// The queue is bounded: when full, the oldest entries are evicted and the
// eviction counter is incremented.
func (s *Store) StoreDeadLetter(m *StoredMessage, reason string) error {
	var convID any
	if m.ConversationID != nil {
		convID = m.ConversationID.String()
	}

	err := s.execRetry(`
		INSERT INTO dead_letters
			(message_id, sender, receiver, conversation_id, message_content, performative, failure_reason, created_at, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			failure_reason = excluded.failure_reason,
			dead_lettered_at = excluded.dead_lettered_at`,
		m.MessageID.String(), m.Sender.String(), m.Receiver.String(), convID,
		frame(m.Content), m.Performative, reason,
		m.CreatedAt.Unix(), time.Now().UTC().Unix(),
	)
	if err != nil {
		return err
	}
	return s.evictDeadLetters()
}

// evictDeadLetters trims the queue to the configured cap, oldest first.
func (s *Store) evictDeadLetters() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM dead_letters").Scan(&count); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if count <= s.deadLetterCap {
		return nil
	}

	over := count - s.deadLetterCap
	err := s.execRetry(`
		DELETE FROM dead_letters WHERE message_id IN (
			SELECT message_id FROM dead_letters ORDER BY dead_lettered_at ASC LIMIT ?
		)`, over)
	if err != nil {
		return err
	}
	atomic.AddUint64(&s.deadLetterEvicted, uint64(over))
	s.logger.Warn("dead-letter queue full, evicted %d oldest entries", over)
	return nil
}

// GetDeadLetter fetches one dead-lettered message by id.
func (s *Store) GetDeadLetter(id domain.MessageID) (*DeadLetter, error) {
	row := s.db.QueryRow(`
		SELECT message_id, sender, receiver, conversation_id, message_content, performative, created_at, failure_reason, dead_lettered_at
		FROM dead_letters WHERE message_id = ?`, id.String())
	return scanDeadLetter(row)
}

// ListDeadLetters returns the newest dead letters, bounded by limit.
func (s *Store) ListDeadLetters(limit int) ([]*DeadLetter, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`
		SELECT message_id, sender, receiver, conversation_id, message_content, performative, created_at, failure_reason, dead_lettered_at
		FROM dead_letters ORDER BY dead_lettered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return letters, nil
}

// DeadLetterStats returns current queue occupancy.
func (s *Store) DeadLetterStats() (DeadLetterStats, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM dead_letters").Scan(&count); err != nil {
		return DeadLetterStats{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return DeadLetterStats{
		Count:   count,
		Cap:     s.deadLetterCap,
		Evicted: atomic.LoadUint64(&s.deadLetterEvicted),
	}, nil
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var (
		msgID, sender, receiver, performative, reason string
		convID                                        sql.NullString
		framed                                        []byte
		createdAt, deadAt                             int64
	)
	if err := row.Scan(&msgID, &sender, &receiver, &convID, &framed, &performative, &createdAt, &reason, &deadAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: dead letter not stored", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	content, err := unframe(framed)
	if err != nil {
		return nil, err
	}

	dl := &DeadLetter{
		StoredMessage: StoredMessage{
			Content:      content,
			Performative: performative,
			CreatedAt:    time.Unix(createdAt, 0).UTC(),
		},
		FailureReason:  reason,
		DeadLetteredAt: time.Unix(deadAt, 0).UTC(),
	}
	if dl.MessageID, err = domain.ParseMessageID(msgID); err != nil {
		return nil, err
	}
	if dl.Sender, err = domain.ParseAgentID(sender); err != nil {
		return nil, err
	}
	if dl.Receiver, err = domain.ParseAgentID(receiver); err != nil {
		return nil, err
	}
	if convID.Valid {
		cid, err := domain.ParseConversationID(convID.String)
		if err != nil {
			return nil, err
		}
		dl.ConversationID = &cid
	}
	return dl, nil
}
