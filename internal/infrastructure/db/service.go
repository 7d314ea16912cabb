package db

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/payjoinlabs/payjoind/internal/core/domain"
	"github.com/payjoinlabs/payjoind/internal/core/ports"
	badgerdb "github.com/payjoinlabs/payjoind/internal/infrastructure/db/badger"
)

var (
	allowedTypes = strings.Join([]string{"badger"}, ",")
)

type ServiceConfig struct {
	DbType   string
	DbConfig []any
}

type service struct {
	sessionRepo   domain.SessionRepository
	seenInputRepo domain.SeenInputRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		sessionRepo   domain.SessionRepository
		seenInputRepo domain.SeenInputRepository
		err           error
	)

	switch config.DbType {
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		sessionRepo, err = badgerdb.NewSessionRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session db: %s", err)
		}
		seenInputRepo, err = badgerdb.NewSeenInputRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open seen input db: %s", err)
		}

	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{
		sessionRepo:   sessionRepo,
		seenInputRepo: seenInputRepo,
	}, nil
}

func (s *service) Sessions() domain.SessionRepository {
	return s.sessionRepo
}

func (s *service) SeenInputs() domain.SeenInputRepository {
	return s.seenInputRepo
}

func (s *service) Close() {
	s.sessionRepo.Close()
	s.seenInputRepo.Close()
}
