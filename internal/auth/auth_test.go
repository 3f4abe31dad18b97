package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatrelay/internal/model"
	repomemory "github.com/chatrelay/internal/repository/memory"
	"github.com/chatrelay/internal/storage"
	"github.com/chatrelay/internal/storage/memory"
)

const testSecret = "test-secret"

type brokenDenyList struct {
	storage.Store
}

func (brokenDenyList) IsTokenRevoked(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func newTestAccounts(t *testing.T) (*Accounts, *Verifier, *repomemory.Store) {
	t.Helper()
	users := repomemory.New()
	kv := memory.New()
	v := NewVerifier(testSecret, time.Hour, users, kv)
	a := NewAccounts(users, v, kv, 3, time.Minute)
	a.cost = bcrypt.MinCost
	return a, v, users
}

func register(t *testing.T, a *Accounts, nick string) *Session {
	t.Helper()
	sess, err := a.Register(context.Background(), RegisterInput{Nickname: nick, Email: nick + "@example.com", Password: "secret1"})
	require.NoError(t, err)
	return sess
}

func TestIssueVerifyRevoke(t *testing.T) {
	a, v, _ := newTestAccounts(t)
	ctx := context.Background()
	sess := register(t, a, "alice")

	id, err := v.Verify(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.User.ID, id.UserID)
	assert.Equal(t, sess.Identity.TokenID, id.TokenID)

	require.NoError(t, v.Revoke(ctx, id))
	_, err = v.Verify(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerifyRejects(t *testing.T) {
	a, v, _ := newTestAccounts(t)
	ctx := context.Background()
	sess := register(t, a, "alice")

	_, err := v.Verify(ctx, "")
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = v.Verify(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	other := NewVerifier("other-secret", time.Hour, nil, memory.New())
	forged, _, err := other.Issue(sess.User.ID)
	require.NoError(t, err)
	_, err = v.Verify(ctx, forged)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: sess.User.ID, ID: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(ctx, none)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sess.User.ID, ID: "x"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Verify(ctx, noExp)
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	ghost, _, err := v.Issue("no-such-user")
	require.NoError(t, err)
	_, err = v.Verify(ctx, ghost)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerifyExpired(t *testing.T) {
	a, v, _ := newTestAccounts(t)
	sess := register(t, a, "alice")
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := v.Verify(context.Background(), sess.AccessToken)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerifyDenyListUnavailable(t *testing.T) {
	a, _, users := newTestAccounts(t)
	sess := register(t, a, "alice")
	broken := NewVerifier(testSecret, time.Hour, users, brokenDenyList{memory.New()})
	_, err := broken.Verify(context.Background(), sess.AccessToken)
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.NotErrorIs(t, err, model.ErrUnauthorized)
}

func TestRegisterValidation(t *testing.T) {
	a, _, _ := newTestAccounts(t)
	ctx := context.Background()
	cases := []RegisterInput{
		{Nickname: "ab", Email: "ab@example.com", Password: "secret1"},
		{Nickname: "alice", Email: "not-an-email", Password: "secret1"},
		{Nickname: "alice", Email: "alice@example.com", Password: "12345"},
	}
	for _, in := range cases {
		_, err := a.Register(ctx, in)
		assert.ErrorIs(t, err, model.ErrInvalidArgument, "%+v", in)
	}

	sess, err := a.Register(ctx, RegisterInput{Nickname: " alice ", Email: "Alice@Example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.User.DisplayName)
	assert.Equal(t, "alice@example.com", sess.User.Email)
	assert.Equal(t, "bearer", sess.TokenType)
	assert.NotEqual(t, "secret1", sess.User.PasswordHash)

	_, err = a.Register(ctx, RegisterInput{Nickname: "alice", Email: "alice2@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestLogin(t *testing.T) {
	a, _, users := newTestAccounts(t)
	ctx := context.Background()
	registered := register(t, a, "alice")
	require.NoError(t, users.SetOnline(ctx, registered.User.ID, false, time.Unix(0, 0)))

	sess, err := a.Login(ctx, "ALICE@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, sess.User.ID)
	assert.True(t, sess.User.Online)
	u, err := users.UserByID(ctx, registered.User.ID)
	require.NoError(t, err)
	assert.True(t, u.Online)

	_, err = a.Login(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
	_, err = a.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestLoginRateLimited(t *testing.T) {
	a, _, _ := newTestAccounts(t)
	ctx := context.Background()
	register(t, a, "alice")
	for i := 0; i < 3; i++ {
		_, err := a.Login(ctx, "alice@example.com", "wrong")
		require.ErrorIs(t, err, model.ErrUnauthorized)
	}
	_, err := a.Login(ctx, "alice@example.com", "secret1")
	require.ErrorIs(t, err, model.ErrUnavailable)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
}
