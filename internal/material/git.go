package material

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

var ErrBranchNotFound = errors.New("branch not found on remote")

type GitConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	Branch string `mapstructure:"branch"`
}

// GitMaterial resolves the head of one branch with an ls-remote; nothing is
// cloned.
type GitMaterial struct {
	name   string
	url    string
	branch string
	list   func(ctx context.Context) ([]*plumbing.Reference, error)
}

func NewGitMaterial(cfg GitConfig) (*GitMaterial, error) {
	if cfg.URL == "" {
		return nil, errors.New("git material url is required")
	}
	m := &GitMaterial{
		name:   cfg.Name,
		url:    cfg.URL,
		branch: cfg.Branch,
	}
	if m.name == "" {
		m.name = cfg.URL
	}
	if m.branch == "" {
		m.branch = "main"
	}

	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{cfg.URL},
	})
	m.list = func(ctx context.Context) ([]*plumbing.Reference, error) {
		return remote.ListContext(ctx, &git.ListOptions{})
	}
	return m, nil
}

func (m *GitMaterial) Name() string {
	return m.name
}

func (m *GitMaterial) Latest(ctx context.Context) (string, error) {
	refs, err := m.list(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", m.url, err)
	}

	want := plumbing.NewBranchReferenceName(m.branch)
	for _, ref := range refs {
		if ref.Name() == want && ref.Type() == plumbing.HashReference {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBranchNotFound, m.branch)
}
