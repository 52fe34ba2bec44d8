package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder-trader/internal/broker"
)

type fakeAuth struct {
	tokens broker.Tokens
	err    error
	last   broker.LoginRequest
}

func (f *fakeAuth) Login(ctx context.Context, req broker.LoginRequest) (broker.Tokens, error) {
	f.last = req
	return f.tokens, f.err
}

func TestManager_LoginCreatesSession(t *testing.T) {
	auth := &fakeAuth{tokens: broker.Tokens{JWTToken: "jwt"}}
	m := NewManager(auth, time.Hour, nil)
	fixed := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	s, err := m.Login(context.Background(), Credentials{ClientCode: "C1", MPIN: "1111", TOTP: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "jwt", s.Token)
	assert.Equal(t, fixed.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, "123456", auth.last.TOTP)

	cur, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, s, cur)
}

func TestManager_CurrentWithoutLogin(t *testing.T) {
	m := NewManager(&fakeAuth{}, time.Hour, nil)
	_, err := m.Current()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestManager_ExpiryInvalidates(t *testing.T) {
	m := NewManager(&fakeAuth{tokens: broker.Tokens{JWTToken: "jwt"}}, time.Minute, nil)
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.Login(context.Background(), Credentials{ClientCode: "C1", MPIN: "1111"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Current()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestManager_LogoutAndFailedLogin(t *testing.T) {
	auth := &fakeAuth{tokens: broker.Tokens{JWTToken: "jwt"}}
	m := NewManager(auth, time.Hour, nil)

	_, err := m.Login(context.Background(), Credentials{ClientCode: "C1", MPIN: "1111"})
	require.NoError(t, err)
	m.Logout()
	_, err = m.Current()
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	auth.err = errors.New("invalid totp")
	_, err = m.Login(context.Background(), Credentials{ClientCode: "C1", MPIN: "1111"})
	assert.Error(t, err)
	_, err = m.Current()
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = m.Login(context.Background(), Credentials{ClientCode: "C1"})
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	m := NewManager(&fakeAuth{}, time.Hour, nil)

	assert.False(t, m.Restore(&Session{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)}))
	assert.True(t, m.Restore(&Session{Token: "fresh", ExpiresAt: time.Now().Add(time.Minute)}))

	s, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.Token)
}

func TestRequire(t *testing.T) {
	_, err := Require(nil, time.Now())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = Require(&Session{}, time.Now())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
