package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"socialchat/pkg/protocol"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrForbidden       = errors.New("not allowed")
)

const maxHistoryLimit = 100

// MessageStore persists conversations for the relay.
type MessageStore interface {
	// SaveMessage stores m. A repeated (sender, local_id) returns the
	// message stored the first time with created=false.
	SaveMessage(ctx context.Context, m protocol.ServerMessage) (saved protocol.ServerMessage, created bool, err error)
	// GetConversationHistory returns up to limit messages older than the
	// cursor in (created_at, id) order, newest first. A zero cursor starts
	// at the newest message.
	GetConversationHistory(ctx context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error)
	// MarkMessagesAsRead records readerID as having read the listed
	// messages (all when empty) not sent by them, and returns the ids that
	// were newly marked.
	MarkMessagesAsRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error)
	// SetReaction sets userID's reaction; an empty reaction clears it.
	SetReaction(ctx context.Context, conversationID, messageID, userID, reaction string) error
	// DeleteMessage tombstones a message. Only its sender may delete it.
	DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error
	UpdateLastActive(ctx context.Context, userID string, at time.Time) error
}

type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

// SaveMessage inserts a message, deduplicating retries by (sender_id, local_id).
func (r *PostgresMessageStore) SaveMessage(ctx context.Context, m protocol.ServerMessage) (protocol.ServerMessage, bool, error) {
	if r.pool == nil {
		return protocol.ServerMessage{}, false, errors.New("db pool is nil")
	}

	var media []byte
	if m.Media != nil {
		b, err := json.Marshal(m.Media)
		if err != nil {
			return protocol.ServerMessage{}, false, err
		}
		media = b
	}

	const insertSQL = `
		INSERT INTO messages (id, local_id, conversation_id, sender_id, kind, text, media, reply_to_id, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (sender_id, local_id) WHERE local_id IS NOT NULL DO NOTHING
		RETURNING id
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var id string
	err := r.pool.QueryRow(ctxTimeout, insertSQL,
		m.ID, m.LocalID, m.ConversationID, m.SenderID, m.Kind, m.Text, media, m.ReplyToID, m.CreatedAt,
	).Scan(&id)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return protocol.ServerMessage{}, false, fmt.Errorf("insert message: %w", err)
	}

	// conflict: the client retried a message we already stored
	const existingSQL = selectMessageSQL + ` WHERE m.sender_id = $1 AND m.local_id = $2`
	existing, err := scanMessage(r.pool.QueryRow(ctxTimeout, existingSQL, m.SenderID, m.LocalID))
	if err != nil {
		return protocol.ServerMessage{}, false, fmt.Errorf("load existing message: %w", err)
	}
	return existing, false, nil
}

const selectMessageSQL = `
	SELECT m.id, COALESCE(m.local_id, ''), m.conversation_id, m.sender_id, m.kind,
	       m.text, m.media, COALESCE(m.reply_to_id, ''), m.created_at, m.deleted
	FROM messages m`

func scanMessage(row pgx.Row) (protocol.ServerMessage, error) {
	var m protocol.ServerMessage
	var media []byte
	if err := row.Scan(&m.ID, &m.LocalID, &m.ConversationID, &m.SenderID, &m.Kind,
		&m.Text, &media, &m.ReplyToID, &m.CreatedAt, &m.Deleted); err != nil {
		return protocol.ServerMessage{}, err
	}
	if len(media) > 0 {
		m.Media = &protocol.Media{}
		if err := json.Unmarshal(media, m.Media); err != nil {
			return protocol.ServerMessage{}, fmt.Errorf("decode media: %w", err)
		}
	}
	return m, nil
}

// GetConversationHistory fetches a page of messages with their reactions and readers.
func (r *PostgresMessageStore) GetConversationHistory(ctx context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error) {
	if r.pool == nil {
		return nil, errors.New("db pool is nil")
	}
	limit = clampLimit(limit)

	const newestSQL = selectMessageSQL + `
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`
	const beforeSQL = selectMessageSQL + `
		WHERE m.conversation_id = $1 AND (m.created_at, m.id) < ($2, $3)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $4
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		rows pgx.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = r.pool.Query(ctxTimeout, newestSQL, conversationID, limit)
	} else {
		rows, err = r.pool.Query(ctxTimeout, beforeSQL, conversationID, before.At, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation history: %w", err)
	}
	defer rows.Close()

	result := make([]protocol.ServerMessage, 0, limit)
	index := make(map[string]int)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[m.ID] = len(result)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	if len(result) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(result))
	for _, m := range result {
		ids = append(ids, m.ID)
	}
	if err := r.attachReactions(ctxTimeout, ids, result, index); err != nil {
		return nil, err
	}
	if err := r.attachReaders(ctxTimeout, ids, result, index); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresMessageStore) attachReactions(ctx context.Context, ids []string, result []protocol.ServerMessage, index map[string]int) error {
	rows, err := r.pool.Query(ctx, `SELECT message_id, user_id, reaction FROM message_reactions WHERE message_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID, reaction string
		if err := rows.Scan(&messageID, &userID, &reaction); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		m := &result[index[messageID]]
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		m.Reactions[userID] = reaction
	}
	return rows.Err()
}

func (r *PostgresMessageStore) attachReaders(ctx context.Context, ids []string, result []protocol.ServerMessage, index map[string]int) error {
	rows, err := r.pool.Query(ctx, `SELECT message_id, user_id FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`, ids)
	if err != nil {
		return fmt.Errorf("query reads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return fmt.Errorf("scan read: %w", err)
		}
		m := &result[index[messageID]]
		m.SeenBy = append(m.SeenBy, userID)
	}
	return rows.Err()
}

// MarkMessagesAsRead records read receipts for messages the reader did not send.
func (r *PostgresMessageStore) MarkMessagesAsRead(ctx context.Context, conversationID, readerID string, messageIDs []string) ([]string, error) {
	if r.pool == nil {
		return nil, errors.New("db pool is nil")
	}
	if messageIDs == nil {
		messageIDs = []string{}
	}

	const insertSQL = `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND (cardinality($3::text[]) = 0 OR m.id = ANY($3::text[]))
		ON CONFLICT DO NOTHING
		RETURNING message_id
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctxTimeout, insertSQL, conversationID, readerID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("mark messages as read: %w", err)
	}
	defer rows.Close()

	marked := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return marked, nil
}

func (r *PostgresMessageStore) SetReaction(ctx context.Context, conversationID, messageID, userID, reaction string) error {
	if r.pool == nil {
		return errors.New("db pool is nil")
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var deleted bool
	err := r.pool.QueryRow(ctxTimeout,
		`SELECT deleted FROM messages WHERE id = $1 AND conversation_id = $2`, messageID, conversationID,
	).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) || deleted {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	if reaction == "" {
		_, err = r.pool.Exec(ctxTimeout,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	} else {
		_, err = r.pool.Exec(ctxTimeout, `
			INSERT INTO message_reactions (message_id, user_id, reaction)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO UPDATE SET reaction = EXCLUDED.reaction
		`, messageID, userID, reaction)
	}
	if err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (r *PostgresMessageStore) DeleteMessage(ctx context.Context, conversationID, messageID, userID string) error {
	if r.pool == nil {
		return errors.New("db pool is nil")
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var senderID string
	err := r.pool.QueryRow(ctxTimeout,
		`SELECT sender_id FROM messages WHERE id = $1 AND conversation_id = $2`, messageID, conversationID,
	).Scan(&senderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if senderID != userID {
		return ErrForbidden
	}

	if _, err := r.pool.Exec(ctxTimeout,
		`UPDATE messages SET deleted = TRUE, text = '', media = NULL WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UpdateLastActive records the user's last connect or disconnect.
func (r *PostgresMessageStore) UpdateLastActive(ctx context.Context, userID string, at time.Time) error {
	if r.pool == nil {
		return errors.New("db pool is nil")
	}

	const upsertSQL = `
		INSERT INTO user_activity (user_id, last_active_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_active_at = EXCLUDED.last_active_at
	`

	ctxTimeout, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctxTimeout, upsertSQL, userID, at); err != nil {
		return fmt.Errorf("update last_active_at: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
