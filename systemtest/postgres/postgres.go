// Package postgres starts a throwaway PostgreSQL container for store tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image    = "postgres:17-alpine"
	user     = "dispatch"
	password = "dispatch"
	database = "dispatch"
)

type Instance struct {
	container *postgres.PostgresContainer
	// URL is a libpq connection string for the container's database.
	URL string
}

func Start(ctx context.Context) (*Instance, error) {
	container, err := postgres.Run(ctx,
		image,
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		postgres.WithDatabase(database),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container state: %w", err)
	}
	if !state.Running {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("postgres container is not running")
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}
	return &Instance{container: container, URL: url}, nil
}

func (i *Instance) Terminate(ctx context.Context) error {
	if err := i.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate Postgres container: %w", err)
	}
	return nil
}
