package ports

import "github.com/payjoinlabs/payjoind/internal/core/domain"

type RepoManager interface {
	Sessions() domain.SessionRepository
	SeenInputs() domain.SeenInputRepository
	Close()
}
