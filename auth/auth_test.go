package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f1amekaiser/CodeIt/store"
)

type memRepo struct {
	hashes map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{hashes: map[string]string{}}
}

func (r *memRepo) Create(ctx context.Context, username, passwordHash string) error {
	if _, ok := r.hashes[username]; ok {
		return store.ErrUsernameTaken
	}
	r.hashes[username] = passwordHash
	return nil
}

func (r *memRepo) PasswordHash(ctx context.Context, username string) (string, error) {
	hash, ok := r.hashes[username]
	if !ok {
		return "", store.ErrUserNotFound
	}
	return hash, nil
}

func TestSignupIssuesVerifiableToken(t *testing.T) {
	svc := NewService(newMemRepo(), "test-secret")

	token, err := svc.Signup(context.Background(), "alice", "hunter22")
	require.NoError(t, err)

	sub, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestSignupValidation(t *testing.T) {
	svc := NewService(newMemRepo(), "test-secret")
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"short username", "ab", "hunter22"},
		{"bad characters", "al ice!", "hunter22"},
		{"short password", "alice", "12345"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Signup(ctx, c.username, c.password)
			assert.Error(t, err)
		})
	}
}

func TestSignupDuplicateUsername(t *testing.T) {
	svc := NewService(newMemRepo(), "test-secret")
	ctx := context.Background()

	_, err := svc.Signup(ctx, "alice", "hunter22")
	require.NoError(t, err)
	_, err = svc.Signup(ctx, "alice", "other-password")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)
}

func TestLogin(t *testing.T) {
	svc := NewService(newMemRepo(), "test-secret")
	ctx := context.Background()
	_, err := svc.Signup(ctx, "alice", "hunter22")
	require.NoError(t, err)

	token, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)
	sub, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	svc := NewService(newMemRepo(), "test-secret")
	other := NewService(newMemRepo(), "different-secret")

	token, err := other.IssueToken("mallory")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Verify("not-even-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
