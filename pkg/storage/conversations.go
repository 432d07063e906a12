package storage

import (
	"database/sql"
	"fmt"
	"time"

	"agentmesh/pkg/domain"
)

// ConversationRecord is one row of the conversations table.
type ConversationRecord struct {
	ConversationID domain.ConversationID
	Protocol       string
	CreatedAt      time.Time
	LastActivity   time.Time
	MessageCount   uint64
	IsArchived     bool
	Participants   []domain.AgentID
}

// SaveConversation upserts a conversation row and its participant set.
// Participants are written once at creation; the unique pair constraint
// makes re-saving them a no-op.
func (s *Store) SaveConversation(rec *ConversationRecord) error {
	var protocol any
	if rec.Protocol != "" {
		protocol = rec.Protocol
	}

	err := s.execRetry(`
		INSERT INTO conversations (conversation_id, protocol_name, created_at, last_activity, message_count, is_archived)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			message_count = excluded.message_count,
			is_archived = excluded.is_archived`,
		rec.ConversationID.String(), protocol,
		rec.CreatedAt.Unix(), rec.LastActivity.Unix(), rec.MessageCount, boolToInt(rec.IsArchived),
	)
	if err != nil {
		return err
	}

	for _, p := range rec.Participants {
		err := s.execRetry(`
			INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id)
			VALUES (?, ?)`, rec.ConversationID.String(), p.String())
		if err != nil {
			return err
		}
	}
	return nil
}

// ArchiveConversation marks a conversation archived before expiry removal.
func (s *Store) ArchiveConversation(id domain.ConversationID) error {
	return s.execRetry(
		"UPDATE conversations SET is_archived = 1 WHERE conversation_id = ?", id.String())
}

// GetConversation loads a conversation row with its participants.
func (s *Store) GetConversation(id domain.ConversationID) (*ConversationRecord, error) {
	var (
		protocol                sql.NullString
		createdAt, lastActivity int64
		messageCount            uint64
		archived                int
	)
	err := s.db.QueryRow(`
		SELECT protocol_name, created_at, last_activity, message_count, is_archived
		FROM conversations WHERE conversation_id = ?`, id.String()).
		Scan(&protocol, &createdAt, &lastActivity, &messageCount, &archived)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	rec := &ConversationRecord{
		ConversationID: id,
		Protocol:       protocol.String,
		CreatedAt:      time.Unix(createdAt, 0).UTC(),
		LastActivity:   time.Unix(lastActivity, 0).UTC(),
		MessageCount:   messageCount,
		IsArchived:     archived != 0,
	}

	rows, err := s.db.Query(
		"SELECT participant_id FROM conversation_participants WHERE conversation_id = ?", id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		agentID, err := domain.ParseAgentID(pid)
		if err != nil {
			return nil, err
		}
		rec.Participants = append(rec.Participants, agentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
