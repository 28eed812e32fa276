package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/veritas-grc/veritas/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates email/password credentials. Every failure mode maps
// to the same sentinel.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// EnsureAdmin creates the bootstrap administrator account when no active
// admin exists yet. Empty credentials skip the bootstrap.
func (s *Service) EnsureAdmin(ctx context.Context, logger *slog.Logger, email, password, fullName string) error {
	if email == "" || password == "" {
		return nil
	}
	n, err := s.repo.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash bootstrap password: %w", err)
	}
	user, err := s.repo.CreateUser(ctx, User{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		IsActive:     true,
		IsAdmin:      true,
	})
	if err != nil {
		// Another instance won the race; the admin exists either way.
		if errors.Is(err, ErrEmailTaken) {
			return nil
		}
		return err
	}
	if logger != nil {
		logger.Info("bootstrap admin created", slog.String("email", user.Email), slog.Int64("user_id", user.ID))
	}
	return nil
}
