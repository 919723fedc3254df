package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sowankispassah/khasigpt/internal/chat"
	"github.com/sowankispassah/khasigpt/internal/log"
)

// Postgres implements Store on a pgx connection pool. Safe for
// concurrent use by multiple goroutines.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres creates a Postgres store. The pool stays owned by the
// caller. logger may be nil.
func NewPostgres(pool *pgxpool.Pool, logger log.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

// Connect opens a connection pool and verifies it.
func Connect(ctx context.Context, connURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return pool, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, title, visibility, mode string) (*Conversation, error) {
	if mode == "" {
		mode = DefaultMode
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO conversations (title, visibility, mode)
		VALUES ($1, $2, $3)
		RETURNING id, title, visibility, mode, created_at, last_replied_at`,
		title, visibility, mode)

	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	p.logger.Debug("created conversation",
		"id", c.ID, "visibility", c.Visibility, "mode", c.Mode)
	return c, nil
}

func (p *Postgres) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, title, visibility, mode, created_at, last_replied_at
		FROM conversations WHERE id = $1`, toPgUUID(id))

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return c, nil
}

func (p *Postgres) ListConversations(ctx context.Context, limit int32, endingBefore uuid.UUID, mode string) ([]Conversation, bool, error) {
	// Fetch one extra row to learn whether older conversations remain.
	query := `
		SELECT id, title, visibility, mode, created_at, last_replied_at
		FROM conversations`
	args := []any{limit + 1}

	var conds []string
	if mode != "" {
		args = append(args, mode)
		conds = append(conds, fmt.Sprintf("mode = $%d", len(args)))
	}
	if endingBefore != uuid.Nil {
		args = append(args, toPgUUID(endingBefore))
		conds = append(conds, fmt.Sprintf(`(created_at, id) < (
			SELECT created_at, id FROM conversations WHERE id = $%d
		)`, len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, false, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store: list conversations: %w", err)
	}

	hasMore := false
	if int32(len(out)) > limit {
		out = out[:limit]
		hasMore = true
	}
	return out, hasMore, nil
}

func (p *Postgres) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, toPgUUID(id))
	if err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
	}

	p.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessages appends messages inside one transaction. The
// conversation row is locked first so concurrent appends cannot race on
// sequence numbers.
func (p *Postgres) AppendMessages(ctx context.Context, conversationID uuid.UUID, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.logger.Debug("transaction rollback", "error", err)
		}
	}()

	var locked pgtype.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`,
		toPgUUID(conversationID)).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: conversation %s: %w", conversationID, ErrNotFound)
		}
		return fmt.Errorf("store: lock conversation: %w", err)
	}

	var maxSeq int32
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0)
		FROM messages WHERE conversation_id = $1`,
		toPgUUID(conversationID)).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("store: max sequence number: %w", err)
	}

	for i, msg := range messages {
		partsJSON, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("store: marshal parts of message %d: %w", i, err)
		}

		id := msg.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, role, parts, sequence_number)
			VALUES ($1, $2, $3, $4, $5)`,
			toPgUUID(id), toPgUUID(conversationID), string(msg.Role),
			partsJSON, maxSeq+int32(i)+1)
		if err != nil {
			return fmt.Errorf("store: insert message %d: %w", i, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations SET last_replied_at = now() WHERE id = $1`,
		toPgUUID(conversationID))
	if err != nil {
		return fmt.Errorf("store: bump last_replied_at: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}

	p.logger.Debug("appended messages",
		"conversation_id", conversationID, "count", len(messages))
	return nil
}

func (p *Postgres) Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, conversation_id, role, parts, sequence_number, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence_number ASC`, toPgUUID(conversationID))
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                  Message
			id, convID         pgtype.UUID
			role               string
			partsJSON          []byte
			createdAt          pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &convID, &role, &partsJSON, &m.SequenceNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if err := json.Unmarshal(partsJSON, &m.Parts); err != nil {
			p.logger.Warn("skipping message with malformed parts",
				"message_id", pgUUID(id), "error", err)
			continue
		}
		m.ID = pgUUID(id)
		m.ConversationID = pgUUID(convID)
		m.Role = chat.Role(role)
		m.CreatedAt = createdAt.Time
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	return out, nil
}

func (p *Postgres) CountMessages(ctx context.Context, conversationID uuid.UUID) (int32, error) {
	var n int32
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1`,
		toPgUUID(conversationID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

func (p *Postgres) SetVote(ctx context.Context, vote Vote) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO votes (conversation_id, message_id, is_upvoted)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE SET is_upvoted = EXCLUDED.is_upvoted`,
		toPgUUID(vote.ConversationID), toPgUUID(vote.MessageID), vote.IsUpvoted)
	if err != nil {
		return fmt.Errorf("store: set vote: %w", err)
	}
	return nil
}

func (p *Postgres) Votes(ctx context.Context, conversationID uuid.UUID) ([]Vote, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT conversation_id, message_id, is_upvoted
		FROM votes WHERE conversation_id = $1`, toPgUUID(conversationID))
	if err != nil {
		return nil, fmt.Errorf("store: get votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		var convID, msgID pgtype.UUID
		if err := rows.Scan(&convID, &msgID, &v.IsUpvoted); err != nil {
			return nil, fmt.Errorf("store: scan vote: %w", err)
		}
		v.ConversationID = pgUUID(convID)
		v.MessageID = pgUUID(msgID)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get votes: %w", err)
	}
	return out, nil
}

func (p *Postgres) StartGeneration(ctx context.Context, conversationID uuid.UUID) (*Generation, error) {
	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	err := p.pool.QueryRow(ctx, `
		INSERT INTO generations (conversation_id, fragments, done)
		VALUES ($1, '[]'::jsonb, FALSE)
		RETURNING id, created_at`, toPgUUID(conversationID)).Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: start generation: %w", err)
	}
	return &Generation{
		ID:             pgUUID(id),
		ConversationID: conversationID,
		CreatedAt:      createdAt.Time,
	}, nil
}

func (p *Postgres) AppendFragment(ctx context.Context, generationID uuid.UUID, frag chat.Fragment) error {
	fragJSON, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("store: marshal fragment: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE generations
		SET fragments = fragments || $2::jsonb
		WHERE id = $1`, toPgUUID(generationID), fragJSON)
	if err != nil {
		return fmt.Errorf("store: append fragment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: generation %s: %w", generationID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) FinishGeneration(ctx context.Context, generationID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE generations SET done = TRUE WHERE id = $1`, toPgUUID(generationID))
	if err != nil {
		return fmt.Errorf("store: finish generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: generation %s: %w", generationID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) LatestGeneration(ctx context.Context, conversationID uuid.UUID) (*Generation, error) {
	var (
		g             Generation
		id, convID    pgtype.UUID
		fragmentsJSON []byte
		createdAt     pgtype.Timestamptz
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, conversation_id, fragments, done, created_at
		FROM generations
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, toPgUUID(conversationID)).Scan(&id, &convID, &fragmentsJSON, &g.Done, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: generation for %s: %w", conversationID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: latest generation: %w", err)
	}
	if err := json.Unmarshal(fragmentsJSON, &g.Fragments); err != nil {
		return nil, fmt.Errorf("store: unmarshal fragments: %w", err)
	}
	g.ID = pgUUID(id)
	g.ConversationID = pgUUID(convID)
	g.CreatedAt = createdAt.Time
	return &g, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var id pgtype.UUID
	var createdAt, lastRepliedAt pgtype.Timestamptz
	if err := row.Scan(&id, &c.Title, &c.Visibility, &c.Mode, &createdAt, &lastRepliedAt); err != nil {
		return nil, err
	}
	c.ID = pgUUID(id)
	c.CreatedAt = createdAt.Time
	c.LastRepliedAt = lastRepliedAt.Time
	return &c, nil
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
