// Package pg: реализация repository.Store поверх Postgres (pgx/pgxpool).
package pg

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close is a no-op: the pool is owned by main.
func (s *Store) Close() error { return nil }

// unavailable оборачивает ошибку драйвера: всё, кроме "не найдено", считается временной недоступностью БД.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
