package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// Conversations persists chat sessions and their message log. Message
// indices are assigned inside a transaction so concurrent appends to the
// same conversation stay gap-free.
type Conversations struct {
	store *Store
}

func NewConversations(store *Store) *Conversations {
	return &Conversations{store: store}
}

// Create inserts a new conversation. knowledgeID nil means plain chat
// without retrieval.
func (r *Conversations) Create(ctx context.Context, clientID, title string, knowledgeID *string, provider, model string, temperature float64) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		Title:       title,
		KnowledgeID: knowledgeID,
		Provider:    provider,
		ModelName:   model,
		Temperature: temperature,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO conversations (id, client_id, title, knowledge_id, provider, model_name,
			temperature, created_at, updated_at, is_archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		conv.ID, conv.ClientID, conv.Title, conv.KnowledgeID, conv.Provider, conv.ModelName,
		conv.Temperature, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// Get fetches a conversation by id.
func (r *Conversations) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	row := r.store.db.QueryRowContext(ctx, selectConversation+" WHERE id = ?", id)
	conv, err := scanConversation(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return conv, nil
}

// List returns conversations newest first, optionally filtered by client.
func (r *Conversations) List(ctx context.Context, clientID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectConversation + " WHERE is_archived = 0"
	args := []any{}
	if clientID != "" {
		query += " AND client_id = ?"
		args = append(args, clientID)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its messages in one transaction.
func (r *Conversations) Delete(ctx context.Context, id string) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage appends one message, assigning the next dense index. The
// read-increment-insert runs in a transaction; SQLite's single writer
// serializes competing appenders.
func (r *Conversations) AppendMessage(ctx context.Context, conversationID, role, content string, tokenCount *int) (*domain.Message, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(message_index) + 1, 0) FROM messages WHERE conversation_id = ?",
		conversationID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next message index: %w", err)
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
		Timestamp:      time.Now().UTC(),
		MessageIndex:   next,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, token_count, timestamp, message_index)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.TokenCount, msg.Timestamp, msg.MessageIndex)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?",
		msg.Timestamp, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// LoadHistory returns the sliding window sent to the model: the most
// recent system message (if any) first, then the last maxTurns user turns
// with their replies in index order. At most maxTurns*2+1 messages.
func (r *Conversations) LoadHistory(ctx context.Context, conversationID string, maxTurns int) ([]domain.Message, error) {
	if maxTurns <= 0 {
		maxTurns = 10
	}

	all, err := r.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	var system *domain.Message
	var rest []domain.Message
	for i := range all {
		if all[i].Role == "system" {
			system = &all[i] // keep the most recent one
			continue
		}
		rest = append(rest, all[i])
	}

	// Count back maxTurns user messages; everything from that point on is
	// the window.
	userSeen := 0
	start := 0
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == "user" {
			userSeen++
			if userSeen == maxTurns {
				start = i
				break
			}
		}
	}
	window := rest[start:]

	out := make([]domain.Message, 0, len(window)+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, window...)
	return out, nil
}

// Messages returns the full log in index order.
func (r *Conversations) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, token_count, timestamp, message_index
		FROM messages WHERE conversation_id = ? ORDER BY message_index`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var tokenCount sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&tokenCount, &m.Timestamp, &m.MessageIndex); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if tokenCount.Valid {
			n := int(tokenCount.Int64)
			m.TokenCount = &n
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetTitle renames a conversation.
func (r *Conversations) SetTitle(ctx context.Context, id, title string) error {
	res, err := r.store.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return requireAffected(res, id)
}

const selectConversation = `
	SELECT id, client_id, title, knowledge_id, provider, model_name,
		temperature, created_at, updated_at, is_archived
	FROM conversations`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var clientID, title, knowledgeID sql.NullString
	var archived int
	err := row.Scan(&conv.ID, &clientID, &title, &knowledgeID, &conv.Provider,
		&conv.ModelName, &conv.Temperature, &conv.CreatedAt, &conv.UpdatedAt, &archived)
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.ClientID = clientID.String
	conv.Title = title.String
	if knowledgeID.Valid {
		v := knowledgeID.String
		conv.KnowledgeID = &v
	}
	conv.IsArchived = archived != 0
	return &conv, nil
}
