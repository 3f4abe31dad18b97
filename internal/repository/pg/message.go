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

const messageCols = `id, chat_id, sender_id, seq, message_type, content, file_name, file_size, mime_type, file_data, COALESCE(reply_to,''), status, created_at`

func scanMessage(s interface{ Scan(dest ...any) error }) (*model.Message, error) {
	var m model.Message
	var rec model.BodyRecord
	if err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Seq, &rec.Type, &rec.Text, &rec.FileName, &rec.FileSize,
		&rec.MimeType, &rec.Data, &m.ReplyTo, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	body, err := rec.Body()
	if err != nil {
		return nil, err
	}
	m.Body = body
	return &m, nil
}

// AppendMessage назначает seq и created_at под блокировкой строки чата: следующая вставка
// ждёт коммита предыдущей, так что порядок (created_at, seq) совпадает с порядком коммитов.
func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("message.Create", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("messageRepo.Create begin", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE chats SET last_seq = last_seq + 1,
		        last_message_at = GREATEST(last_message_at, $2),
		        updated_at = GREATEST(updated_at, $2)
		 WHERE id = $1 RETURNING last_seq, last_message_at`,
		m.ChatID, m.CreatedAt,
	).Scan(&m.Seq, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return unavailable("messageRepo.Create seq", err)
	}
	m.CreatedAt = m.CreatedAt.UTC()

	rec := model.RecordOf(m.Body)
	var data any
	if len(rec.Data) > 0 {
		data = rec.Data
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, seq, message_type, content, file_name, file_size, mime_type, file_data, reply_to, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.ChatID, m.SenderID, m.Seq, rec.Type, rec.Text, rec.FileName, rec.FileSize, rec.MimeType, data,
		nullable(m.ReplyTo), m.Status, m.CreatedAt,
	)
	if err != nil {
		return unavailable("messageRepo.Create insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("messageRepo.Create commit", err)
	}
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.GetByID", time.Now())()
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("messageRepo.GetByID", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string, q model.PageQuery) ([]model.Message, error) {
	defer logger.DeferLogDuration("message.List", time.Now())()
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	switch {
	case q.After != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE chat_id = $1 AND (created_at, seq) > ($2, $3)
			 ORDER BY created_at, seq LIMIT $4`,
			chatID, q.After.CreatedAt, q.After.Seq, q.Limit)
	case q.Before != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT * FROM (
			   SELECT `+messageCols+` FROM messages
			   WHERE chat_id = $1 AND (created_at, seq) < ($2, $3)
			   ORDER BY created_at DESC, seq DESC LIMIT $4
			 ) page ORDER BY created_at, seq`,
			chatID, q.Before.CreatedAt, q.Before.Seq, q.Limit)
	case q.Latest:
		rows, err = s.pool.Query(ctx,
			`SELECT * FROM (
			   SELECT `+messageCols+` FROM messages
			   WHERE chat_id = $1
			   ORDER BY created_at DESC, seq DESC LIMIT $2
			 ) page ORDER BY created_at, seq`,
			chatID, q.Limit)
	default:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages WHERE chat_id = $1 ORDER BY created_at, seq LIMIT $2`,
			chatID, q.Limit)
	}
	if err != nil {
		return nil, unavailable("messageRepo.List query", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, q.Limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("messageRepo.List scan", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("messageRepo.List rows", err)
	}
	return msgs, nil
}

func (s *Store) LastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("message.Last", time.Now())()
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("messageRepo.Last", err)
	}
	return m, nil
}

// AdvanceStatus: условный UPDATE: статус меняется только если текущий ранг ниже целевого.
func (s *Store) AdvanceStatus(ctx context.Context, id string, to model.MessageStatus) (bool, error) {
	defer logger.DeferLogDuration("message.AdvanceStatus", time.Now())()
	below := model.StatusesBelow(to)
	if len(below) == 0 {
		return false, nil
	}
	from := make([]string, len(below))
	for i, st := range below {
		from[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, to, from)
	if err != nil {
		return false, unavailable("messageRepo.AdvanceStatus", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, unavailable("messageRepo.AdvanceStatus exists", err)
	}
	if !exists {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (s *Store) MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	defer logger.DeferLogDuration("message.MarkChatRead", time.Now())()
	rows, err := s.pool.Query(ctx,
		`UPDATE messages SET status = 'read'
		 WHERE chat_id = $1 AND sender_id <> $2 AND status <> 'read'
		 RETURNING id`, chatID, readerID)
	if err != nil {
		return nil, unavailable("messageRepo.MarkChatRead", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("messageRepo.MarkChatRead rows", err)
	}
	return ids, nil
}

func (s *Store) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("message.CountUnread", time.Now())()
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND sender_id <> $2 AND status <> 'read'`,
		chatID, userID).Scan(&n)
	if err != nil {
		return 0, unavailable("messageRepo.CountUnread", err)
	}
	return n, nil
}
