package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-dispatch/internal/users"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	directory *users.Directory
	config    Config
}

func NewService(directory *users.Directory, config Config) *Service {
	return &Service{
		directory: directory,
		config:    config,
	}
}

// Login exchanges admin credentials for a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.directory.Authenticate(username, password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			slog.WarnContext(ctx, "Rejected admin login", "username", username)
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("authenticate: %w", err)
	}

	token, err := GenerateToken(s.config, user.ID, user.Username, user.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	slog.InfoContext(ctx, "Admin logged in", "username", user.Username)
	return token, nil
}

// Enabled reports whether JWT sessions can be issued.
func (s *Service) Enabled() bool {
	return s != nil && s.config.Secret != ""
}

func (s *Service) Secret() string {
	if s == nil {
		return ""
	}
	return s.config.Secret
}
