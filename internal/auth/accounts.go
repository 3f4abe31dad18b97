package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/repository"
	"github.com/chatrelay/internal/storage"
)

const (
	minNicknameLen = 3
	maxNicknameLen = 30
	minPasswordLen = 6
	// bcrypt обрезает ввод после 72 байт.
	maxPasswordLen = 72
)

// RateLimitedError: слишком много попыток входа; RetryAfter уходит клиенту в заголовке Retry-After.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return model.ErrUnavailable }

type RegisterInput struct {
	Nickname    string `json:"nickname"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Phone       string `json:"phone,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Session: результат регистрации или входа.
type Session struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	User        *model.User    `json:"user"`
	Identity    model.Identity `json:"-"`
}

type Accounts struct {
	users       repository.Users
	verifier    *Verifier
	limits      storage.Store
	maxAttempts int
	window      time.Duration
	cost        int
	now         func() time.Time
}

func NewAccounts(users repository.Users, verifier *Verifier, limits storage.Store, maxAttempts int, window time.Duration) *Accounts {
	return &Accounts{
		users:       users,
		verifier:    verifier,
		limits:      limits,
		maxAttempts: maxAttempts,
		window:      window,
		cost:        bcrypt.DefaultCost,
		now:         time.Now,
	}
}

func (in *RegisterInput) normalize() error {
	in.Nickname = strings.TrimSpace(in.Nickname)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if n := utf8.RuneCountInString(in.Nickname); n < minNicknameLen || n > maxNicknameLen {
		return fmt.Errorf("nickname must be %d-%d characters: %w", minNicknameLen, maxNicknameLen, model.ErrInvalidArgument)
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return fmt.Errorf("invalid email: %w", model.ErrInvalidArgument)
	}
	if len(in.Password) < minPasswordLen || len(in.Password) > maxPasswordLen {
		return fmt.Errorf("password must be %d-%d characters: %w", minPasswordLen, maxPasswordLen, model.ErrInvalidArgument)
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Nickname
	}
	return nil
}

func (a *Accounts) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	defer logger.DeferLogDuration("auth.Register", time.Now())()
	if err := in.normalize(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("auth.Register hash: %w", err)
	}
	now := a.now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Nickname:     in.Nickname,
		DisplayName:  in.DisplayName,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: string(hash),
		Online:       true,
		LastSeenAt:   now,
		CreatedAt:    now,
	}
	if err := a.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("nickname or email already registered: %w", model.ErrInvalidArgument)
		}
		return nil, fmt.Errorf("auth.Register: %w", err)
	}
	logger.Infof("user registered: id=%s nickname=%s", u.ID, u.Nickname)
	return a.session(u)
}

// Login: неверный email и неверный пароль неразличимы для клиента.
func (a *Accounts) Login(ctx context.Context, email, password string) (*Session, error) {
	defer logger.DeferLogDuration("auth.Login", time.Now())()
	email = strings.ToLower(strings.TrimSpace(email))

	allowed, retryAfter, err := a.limits.CheckRateLimit(ctx, "login:"+email, a.maxAttempts, a.window)
	if err != nil {
		return nil, fmt.Errorf("auth.Login rate limit: %w: %w", model.ErrUnavailable, err)
	}
	if !allowed {
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	u, err := a.users.UserByEmail(ctx, email)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("invalid email or password: %w", model.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("auth.Login: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, fmt.Errorf("invalid email or password: %w", model.ErrUnauthorized)
	}

	now := a.now().UTC()
	if err := a.users.SetOnline(ctx, u.ID, true, now); err != nil {
		logger.Errorf("auth.Login set online user=%s: %v", u.ID, err)
	} else {
		u.Online, u.LastSeenAt = true, now
	}
	return a.session(u)
}

func (a *Accounts) session(u *model.User) (*Session, error) {
	token, id, err := a.verifier.Issue(u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: token, TokenType: "bearer", User: u, Identity: id}, nil
}
