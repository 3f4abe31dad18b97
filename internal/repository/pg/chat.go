package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

const chatCols = `c.id, c.chat_type, c.name, c.description, c.avatar_url, c.created_by, COALESCE(c.direct_key,''), c.last_seq, c.created_at, c.updated_at,
	ARRAY(SELECT p.user_id FROM chat_participants p WHERE p.chat_id = c.id ORDER BY p.joined_at, p.user_id)`

func scanChat(s interface{ Scan(dest ...any) error }, c *model.Chat) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.Description, &c.AvatarURL, &c.CreatedBy, &c.DirectKey, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt, &c.Participants)
}

func insertChat(ctx context.Context, tx pgx.Tx, c *model.Chat) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, description, avatar_url, created_by, direct_key, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		 ON CONFLICT (direct_key) DO NOTHING`,
		c.ID, c.Type, c.Name, c.Description, c.AvatarURL, c.CreatedBy, nullable(c.DirectKey), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	batch := &pgx.Batch{}
	for _, uid := range c.Participants {
		batch.Queue(`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, uid, c.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("chatRepo.Create begin", err)
	}
	defer tx.Rollback(ctx)
	if _, err := insertChat(ctx, tx, c); err != nil {
		return unavailable("chatRepo.Create", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("chatRepo.Create commit", err)
	}
	return nil
}

func (s *Store) FindOrCreateDirect(ctx context.Context, c *model.Chat) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.FindOrCreateDirect", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, unavailable("chatRepo.FindOrCreateDirect begin", err)
	}
	defer tx.Rollback(ctx)

	created, err := insertChat(ctx, tx, c)
	if err != nil {
		return nil, false, unavailable("chatRepo.FindOrCreateDirect insert", err)
	}
	out := &model.Chat{}
	row := tx.QueryRow(ctx, `SELECT `+chatCols+` FROM chats c WHERE c.direct_key = $1`, c.DirectKey)
	if err := scanChat(row, out); err != nil {
		return nil, false, unavailable("chatRepo.FindOrCreateDirect select", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, unavailable("chatRepo.FindOrCreateDirect commit", err)
	}
	return out, created, nil
}

func (s *Store) ChatByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := scanChat(s.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats c WHERE c.id = $1`, id), c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("chatRepo.GetByID", err)
	}
	return c, nil
}

func (s *Store) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsParticipant", time.Now())()
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, unavailable("chatRepo.IsParticipant", err)
	}
	return exists, nil
}

func (s *Store) ChatsForUser(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT `+chatCols+`
		 FROM chats c
		 JOIN chat_participants cp ON cp.chat_id = c.id
		 WHERE cp.user_id = $1
		 ORDER BY c.updated_at DESC, c.id`, userID,
	)
	if err != nil {
		return nil, unavailable("chatRepo.GetUserChats query", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, unavailable("chatRepo.GetUserChats scan", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("chatRepo.GetUserChats rows", err)
	}
	return chats, nil
}

func (s *Store) UpdateChatSettings(ctx context.Context, chatID string, patch model.ChatSettingsPatch, at time.Time) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.UpdateSettings", time.Now())()
	tag, err := s.pool.Exec(ctx,
		`UPDATE chats SET name = COALESCE($2, name), description = COALESCE($3, description),
		        avatar_url = COALESCE($4, avatar_url), updated_at = $5
		 WHERE id = $1`,
		chatID, patch.Name, patch.Description, patch.AvatarURL, at,
	)
	if err != nil {
		return nil, unavailable("chatRepo.UpdateSettings", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repository.ErrNotFound
	}
	return s.ChatByID(ctx, chatID)
}
