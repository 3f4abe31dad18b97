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

const userCols = `id, nickname, display_name, email, COALESCE(phone,''), password_hash, is_online, last_seen_at, created_at`

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Nickname, &u.DisplayName, &u.Email, &u.Phone, &u.PasswordHash, &u.Online, &u.LastSeenAt, &u.CreatedAt)
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, nickname, display_name, email, phone, password_hash, is_online, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Nickname, u.DisplayName, u.Email, nullable(u.Phone), u.PasswordHash, u.Online, u.LastSeenAt, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if err != nil {
		return unavailable("userRepo.Create", err)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, unavailable("userRepo.GetByID", err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByEmail", time.Now())()
	u := &model.User{}
	row := s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, email)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, unavailable("userRepo.GetByEmail", err)
	}
	return u, nil
}

func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.GetByIDs", time.Now())()
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1) ORDER BY nickname`, ids)
	if err != nil {
		return nil, unavailable("userRepo.GetByIDs query", err)
	}
	defer rows.Close()
	users := make([]model.User, 0, len(ids))
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, unavailable("userRepo.GetByIDs scan", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("userRepo.GetByIDs rows", err)
	}
	return users, nil
}

func (s *Store) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	_, err := s.pool.Exec(ctx, `UPDATE users SET is_online = $2, last_seen_at = $3 WHERE id = $1`, id, online, at)
	if err != nil {
		return unavailable("userRepo.SetOnline", err)
	}
	return nil
}
