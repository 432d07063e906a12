package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"agentmesh/pkg/domain"
	"agentmesh/pkg/logx"
)

const (
	// DefaultListLimit caps ListForAgent when the caller passes no limit.
	DefaultListLimit = 1000

	// writeRetries is the internal retry budget for transient storage errors.
	writeRetries    = 3
	writeRetryDelay = 50 * time.Millisecond
)

// Store is the durable message store plus the dead-letter queue. Reads and
// writes are serialized by the underlying single connection.
type Store struct {
	db                *sql.DB
	logger            *logx.Logger
	deadLetterCap     int
	deadLetterEvicted uint64 // guarded by the single-writer discipline; read via DeadLetterStats
}

// StoredMessage is one row of the message store, content unframed.
type StoredMessage struct {
	MessageID      domain.MessageID
	Sender         domain.AgentID
	Receiver       domain.AgentID
	ConversationID *domain.ConversationID
	Content        []byte
	Performative   string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// DeadLetter is one row of the dead-letter queue.
type DeadLetter struct {
	StoredMessage
	FailureReason  string
	DeadLetteredAt time.Time
}

// Open opens (or creates) the store at dbPath. ":memory:" is accepted for tests.
func Open(dbPath string, deadLetterCap int) (*Store, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	logger := logx.NewLogger("storage")
	logger.Info("message store opened: %s (dead-letter cap %d)", dbPath, deadLetterCap)
	return &Store{
		db:            db,
		logger:        logger,
		deadLetterCap: deadLetterCap,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// frame serializes content as len::bytes. The framing is stable and
// verified on read; content is never stored unframed.
func frame(content []byte) []byte {
	prefix := strconv.Itoa(len(content))
	framed := make([]byte, 0, len(prefix)+2+len(content))
	framed = append(framed, prefix...)
	framed = append(framed, ':', ':')
	framed = append(framed, content...)
	return framed
}

// unframe validates and strips the len::bytes frame.
func unframe(framed []byte) ([]byte, error) {
	sep := bytes.Index(framed, []byte("::"))
	if sep < 1 {
		return nil, fmt.Errorf("%w: missing content frame separator", domain.ErrStorage)
	}
	n, err := strconv.Atoi(string(framed[:sep]))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed content frame length: %v", domain.ErrStorage, err)
	}
	payload := framed[sep+2:]
	if len(payload) != n {
		return nil, fmt.Errorf("%w: content frame length %d does not match payload %d",
			domain.ErrStorage, n, len(payload))
	}
	return payload, nil
}

// execRetry runs a write, retrying transient failures with a short backoff
// before surfacing ErrStorage.
func (s *Store) execRetry(query string, args ...any) error {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryDelay * time.Duration(attempt))
		}
		if _, lastErr = s.db.Exec(query, args...); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorage, lastErr)
}

// StoreMessage upserts a message row keyed by message id with an optional TTL.
func (s *Store) StoreMessage(m *StoredMessage) error {
	var convID any
	if m.ConversationID != nil {
		convID = m.ConversationID.String()
	}
	var expiresAt any
	if m.ExpiresAt != nil {
		expiresAt = m.ExpiresAt.Unix()
	}

	return s.execRetry(`
		INSERT INTO message_storage
			(message_id, sender, receiver, conversation_id, message_content, performative, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			sender = excluded.sender,
			receiver = excluded.receiver,
			conversation_id = excluded.conversation_id,
			message_content = excluded.message_content,
			performative = excluded.performative,
			expires_at = excluded.expires_at`,
		m.MessageID.String(), m.Sender.String(), m.Receiver.String(), convID,
		frame(m.Content), m.Performative, m.CreatedAt.Unix(), expiresAt,
	)
}

// GetMessage returns the message only if it has not expired.
func (s *Store) GetMessage(id domain.MessageID) (*StoredMessage, error) {
	row := s.db.QueryRow(`
		SELECT message_id, sender, receiver, conversation_id, message_content, performative, created_at, expires_at
		FROM message_storage WHERE message_id = ?`, id.String())

	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if m.ExpiresAt != nil && m.ExpiresAt.Before(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: message %s expired", domain.ErrNotFound, id)
	}
	return m, nil
}

// RemoveMessage deletes a message row. Idempotent: removing an absent id succeeds.
func (s *Store) RemoveMessage(id domain.MessageID) error {
	return s.execRetry("DELETE FROM message_storage WHERE message_id = ?", id.String())
}

// ListForAgent returns messages where the agent is sender or receiver,
// newest first, bounded by limit (or DefaultListLimit when limit <= 0).
func (s *Store) ListForAgent(id domain.AgentID, limit int) ([]*StoredMessage, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(`
		SELECT message_id, sender, receiver, conversation_id, message_content, performative, created_at, expires_at
		FROM message_storage
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at DESC
		LIMIT ?`, id.String(), id.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return messages, nil
}

// Cleanup removes expired message rows and returns the count deleted.
func (s *Store) Cleanup(now time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM message_storage WHERE expires_at IS NOT NULL AND expires_at < ?", now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*StoredMessage, error) {
	var (
		msgID, sender, receiver, performative string
		convID                                sql.NullString
		framed                                []byte
		createdAt                             int64
		expiresAt                             sql.NullInt64
	)
	if err := row.Scan(&msgID, &sender, &receiver, &convID, &framed, &performative, &createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: message not stored", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	content, err := unframe(framed)
	if err != nil {
		return nil, err
	}

	m := &StoredMessage{
		Content:      content,
		Performative: performative,
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
	}
	if m.MessageID, err = domain.ParseMessageID(msgID); err != nil {
		return nil, err
	}
	if m.Sender, err = domain.ParseAgentID(sender); err != nil {
		return nil, err
	}
	if m.Receiver, err = domain.ParseAgentID(receiver); err != nil {
		return nil, err
	}
	if convID.Valid {
		cid, err := domain.ParseConversationID(convID.String)
		if err != nil {
			return nil, err
		}
		m.ConversationID = &cid
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		m.ExpiresAt = &t
	}
	return m, nil
}
