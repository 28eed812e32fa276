package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/veritas-grc/veritas/internal/auth"
	"github.com/veritas-grc/veritas/internal/shared"
)

type stubRepo struct {
	users  map[string]*auth.User
	admins int
	nextID int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{users: make(map[string]*auth.User), nextID: 1}
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	user, ok := s.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *stubRepo) CreateUser(_ context.Context, user auth.User) (*auth.User, error) {
	if _, ok := s.users[user.Email]; ok {
		return nil, auth.ErrEmailTaken
	}
	user.ID = s.nextID
	s.nextID++
	s.users[user.Email] = &user
	if user.IsAdmin && user.IsActive {
		s.admins++
	}
	copied := user
	return &copied, nil
}

func (s *stubRepo) CountAdmins(context.Context) (int, error) {
	return s.admins, nil
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAuthenticate(t *testing.T) {
	repo := newStubRepo()
	repo.users["analyst@veritas.test"] = &auth.User{
		ID:           7,
		Email:        "analyst@veritas.test",
		PasswordHash: hashFor(t, "correct horse battery"),
		IsActive:     true,
	}
	repo.users["former@veritas.test"] = &auth.User{
		ID:           8,
		Email:        "former@veritas.test",
		PasswordHash: hashFor(t, "old password 123"),
		IsActive:     false,
	}
	svc := auth.NewService(repo)
	ctx := context.Background()

	user, err := svc.Authenticate(ctx, "analyst@veritas.test", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, int64(7), user.ID)

	_, err = svc.Authenticate(ctx, "analyst@veritas.test", "wrong password!")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@veritas.test", "correct horse battery")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "former@veritas.test", "old password 123")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestEnsureAdminBootstrapsOnce(t *testing.T) {
	repo := newStubRepo()
	svc := auth.NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.EnsureAdmin(ctx, nil, "admin@veritas.test", "bootstrap secret", "Platform Admin"))
	created := repo.users["admin@veritas.test"]
	require.NotNil(t, created)
	require.True(t, created.IsAdmin)
	require.True(t, created.IsActive)
	require.NotEqual(t, "bootstrap secret", created.PasswordHash)

	// A second boot with an existing admin changes nothing.
	require.NoError(t, svc.EnsureAdmin(ctx, nil, "other@veritas.test", "another secret!", ""))
	require.Nil(t, repo.users["other@veritas.test"])

	// The bootstrap password round-trips through Authenticate.
	user, err := svc.Authenticate(ctx, "admin@veritas.test", "bootstrap secret")
	require.NoError(t, err)
	require.True(t, user.IsAdmin)
}

func TestEnsureAdminSkipsWithoutCredentials(t *testing.T) {
	repo := newStubRepo()
	svc := auth.NewService(repo)

	require.NoError(t, svc.EnsureAdmin(context.Background(), nil, "", "", ""))
	require.Empty(t, repo.users)
}
