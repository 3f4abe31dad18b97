// Package auth: выпуск и проверка токенов доступа (JWT, HMAC) и учётные записи с паролем (bcrypt).
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/storage"
)

// UserLookup: всё, что Verifier нужно от хранилища пользователей.
type UserLookup interface {
	UserByID(ctx context.Context, id string) (*model.User, error)
}

type Claims struct {
	jwt.RegisteredClaims
}

// Verifier проверяет токены без побочных эффектов; один экземпляр используется и HTTP-middleware, и WS-рукопожатием.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	users  UserLookup
	denied storage.Store
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration, users UserLookup, denied storage.Store) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, users: users, denied: denied, now: time.Now}
}

// Issue выпускает токен на ttl: sub = user id, jti = случайный id токена (для отзыва).
func (v *Verifier) Issue(userID string) (string, model.Identity, error) {
	now := v.now()
	id := model.Identity{UserID: userID, TokenID: uuid.New().String(), ExpiresAt: now.Add(v.ttl)}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   id.UserID,
		ID:        id.TokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", model.Identity{}, fmt.Errorf("auth.Issue: %w", err)
	}
	return token, id, nil
}

// Verify возвращает Identity или ErrUnauthorized. Недоступность deny-list или хранилища: ErrUnavailable.
func (v *Verifier) Verify(ctx context.Context, credential string) (model.Identity, error) {
	if credential == "" {
		return model.Identity{}, fmt.Errorf("auth.Verify: missing credential: %w", model.ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (any, error) {
		// только HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(v.now))
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth.Verify: %w: %v", model.ErrUnauthorized, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return model.Identity{}, fmt.Errorf("auth.Verify: incomplete claims: %w", model.ErrUnauthorized)
	}

	revoked, err := v.denied.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth.Verify deny-list: %w: %w", model.ErrUnavailable, err)
	}
	if revoked {
		return model.Identity{}, fmt.Errorf("auth.Verify: token revoked: %w", model.ErrUnauthorized)
	}

	if _, err := v.users.UserByID(ctx, claims.Subject); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Identity{}, fmt.Errorf("auth.Verify: unknown user: %w", model.ErrUnauthorized)
		}
		return model.Identity{}, fmt.Errorf("auth.Verify user: %w", err)
	}
	return model.Identity{UserID: claims.Subject, TokenID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Revoke заносит jti в deny-list до истечения токена (logout).
func (v *Verifier) Revoke(ctx context.Context, id model.Identity) error {
	if err := v.denied.RevokeToken(ctx, id.TokenID, id.ExpiresAt.Sub(v.now())); err != nil {
		return fmt.Errorf("auth.Revoke: %w: %w", model.ErrUnavailable, err)
	}
	return nil
}
