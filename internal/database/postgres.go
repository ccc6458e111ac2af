package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	avatar        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'OFFLINE',
	last_seen     TIMESTAMPTZ,
	password_hash TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (LOWER(username));

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	last_seq   BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_participants (
	chat_id  TEXT NOT NULL REFERENCES chats(id),
	user_id  TEXT NOT NULL REFERENCES users(id),
	position INT NOT NULL,
	unread   INT NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS chat_participants_user_idx ON chat_participants (user_id);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL REFERENCES chats(id),
	sender_id  TEXT NOT NULL REFERENCES users(id),
	content    TEXT NOT NULL,
	type       TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (chat_id, seq)
);`

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	u := user.Clone()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = models.StatusOffline
	}

	query := `
		INSERT INTO users (id, username, avatar, status, last_seen, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query, u.ID, u.Username, u.Avatar, string(u.Status), u.LastSeen, u.PasswordHash).
		Scan(&u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return u, nil
}

const userColumns = `id, username, avatar, status, last_seen, password_hash, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	var status string
	if err := row.Scan(&u.ID, &u.Username, &u.Avatar, &status, &u.LastSeen, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Status = models.UserStatus(status)
	return u, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	return u, err
}

func (db *PostgresDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`

	u, err := scanUser(db.pool.QueryRow(ctx, query, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, username)
	}
	return u, err
}

func (db *PostgresDB) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PostgresDB) UpdateUserStatus(ctx context.Context, id string, status models.UserStatus, lastSeen *time.Time) error {
	query := `UPDATE users SET status = $2, last_seen = COALESCE($3, last_seen) WHERE id = $1`
	tag, err := db.pool.Exec(ctx, query, id, string(status), lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	return nil
}

// Chat Repository Implementation
func (db *PostgresDB) CreateChat(ctx context.Context, chat *models.Chat) (*models.Chat, error) {
	c := chat.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chats (id, type, name, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, string(c.Type), c.Name, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	for i, p := range c.Participants {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidParticipant, p.ID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, position) VALUES ($1, $2, $3)`,
			c.ID, p.ID, i); err != nil {
			return nil, fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	c.UnreadCount = 0
	c.LastMessage = nil
	return c, nil
}

const chatQuery = `
	SELECT c.id, c.type, c.name, c.created_at,
	       COALESCE(v.unread, 0),
	       m.id, m.sender_id, m.content, m.type, m.seq, m.created_at
	FROM chats c
	LEFT JOIN chat_participants v ON v.chat_id = c.id AND v.user_id = $1
	LEFT JOIN messages m ON m.chat_id = c.id AND m.seq = c.last_seq`

func (db *PostgresDB) scanChats(ctx context.Context, rows pgx.Rows) ([]*models.Chat, error) {
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		c := &models.Chat{}
		var chatType string
		var msgID, senderID, content, msgType *string
		var seq *int64
		var sentAt *time.Time
		if err := rows.Scan(&c.ID, &chatType, &c.Name, &c.CreatedAt, &c.UnreadCount,
			&msgID, &senderID, &content, &msgType, &seq, &sentAt); err != nil {
			return nil, err
		}
		c.Type = models.ChatType(chatType)
		if msgID != nil {
			c.LastMessage = &models.Message{
				ID:        *msgID,
				ChatID:    c.ID,
				SenderID:  *senderID,
				Content:   *content,
				Type:      models.MessageType(*msgType),
				Seq:       *seq,
				CreatedAt: *sentAt,
			}
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range chats {
		participants, err := db.participants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Participants = participants
	}
	return chats, nil
}

func (db *PostgresDB) participants(ctx context.Context, chatID string) ([]*models.User, error) {
	query := `
		SELECT u.id, u.username, u.avatar, u.status, u.last_seen, u.password_hash, u.created_at
		FROM chat_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = $1
		ORDER BY p.position`

	rows, err := db.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (db *PostgresDB) GetChat(ctx context.Context, chatID, viewerID string) (*models.Chat, error) {
	rows, err := db.pool.Query(ctx, chatQuery+` WHERE c.id = $2`, viewerID, chatID)
	if err != nil {
		return nil, err
	}
	chats, err := db.scanChats(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return chats[0], nil
}

func (db *PostgresDB) ListUserChats(ctx context.Context, userID string) ([]*models.Chat, error) {
	rows, err := db.pool.Query(ctx, chatQuery+` WHERE v.user_id IS NOT NULL`, userID)
	if err != nil {
		return nil, err
	}
	return db.scanChats(ctx, rows)
}

// Message Repository Implementation
func (db *PostgresDB) AppendMessage(ctx context.Context, chatID, senderID, content string, msgType models.MessageType) (*models.Message, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Row lock on the chat serializes appends to the same chat.
	var lastSeq int64
	err = tx.QueryRow(ctx, `SELECT last_seq FROM chats WHERE id = $1 FOR UPDATE`, chatID).Scan(&lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	if err != nil {
		return nil, err
	}

	var isParticipant bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, senderID).Scan(&isParticipant); err != nil {
		return nil, err
	}
	if !isParticipant {
		return nil, fmt.Errorf("%w: %s in chat %s", models.ErrNotAParticipant, senderID, chatID)
	}

	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	var prev *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT MAX(created_at) FROM messages WHERE chat_id = $1 AND seq = $2`,
		chatID, lastSeq).Scan(&prev); err != nil {
		return nil, err
	}
	if prev != nil && !createdAt.After(*prev) {
		createdAt = prev.Add(time.Microsecond)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      msgType,
		Seq:       lastSeq + 1,
		CreatedAt: createdAt,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, type, seq, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, string(msg.Type), msg.Seq, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chats SET last_seq = $2 WHERE id = $1`, chatID, msg.Seq); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chat_participants SET unread = unread + 1 WHERE chat_id = $1 AND user_id <> $2`,
		chatID, senderID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *PostgresDB) GetMessages(ctx context.Context, chatID string, opts models.HistoryOptions) ([]*models.Message, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}

	beforeSeq := opts.BeforeSeq
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	// Newest first so LIMIT keeps the tail, then reversed below.
	query := `
		SELECT id, sender_id, content, type, seq, created_at
		FROM messages
		WHERE chat_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := db.pool.Query(ctx, query, chatID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{ChatID: chatID}
		var msgType string
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Content, &msgType, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Type = models.MessageType(msgType)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Unread Repository Implementation
func (db *PostgresDB) IncrementUnread(ctx context.Context, chatID, viewerID string) error {
	return db.execParticipant(ctx, `UPDATE chat_participants SET unread = unread + 1 WHERE chat_id = $1 AND user_id = $2`, chatID, viewerID)
}

func (db *PostgresDB) ResetUnread(ctx context.Context, chatID, viewerID string) error {
	return db.execParticipant(ctx, `UPDATE chat_participants SET unread = 0 WHERE chat_id = $1 AND user_id = $2`, chatID, viewerID)
}

func (db *PostgresDB) UnreadCount(ctx context.Context, chatID, viewerID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT unread FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, viewerID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, db.missingParticipant(ctx, chatID, viewerID)
	}
	return n, err
}

func (db *PostgresDB) execParticipant(ctx context.Context, query, chatID, viewerID string) error {
	tag, err := db.pool.Exec(ctx, query, chatID, viewerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.missingParticipant(ctx, chatID, viewerID)
	}
	return nil
}

func (db *PostgresDB) missingParticipant(ctx context.Context, chatID, viewerID string) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrChatNotFound, chatID)
	}
	return fmt.Errorf("%w: %s in chat %s", models.ErrNotAParticipant, viewerID, chatID)
}
