package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/payjoinlabs/payjoind/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	seenInputDir = "seen_input"
)

type seenInputRepository struct {
	store *badgerhold.Store
}

func NewSeenInputRepository(baseDir string, logger badger.Logger) (domain.SeenInputRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, seenInputDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open seen input store: %s", err)
	}
	return &seenInputRepository{store}, nil
}

func (r *seenInputRepository) Exists(ctx context.Context, outpoint string) (bool, error) {
	var data seenInputData
	err := r.store.Get(outpoint, &data)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get seen input: %w", err)
	}
	return true, nil
}

func (r *seenInputRepository) Add(ctx context.Context, inputs []domain.SeenInput) error {
	for _, input := range inputs {
		data := seenInputData{
			Outpoint:  input.Outpoint,
			SessionId: input.SessionId,
			SeenAt:    input.SeenAt,
		}
		if err := r.store.Upsert(input.Outpoint, data); err != nil {
			return fmt.Errorf("failed to store seen input %s: %w", input.Outpoint, err)
		}
	}
	return nil
}

func (r *seenInputRepository) Close() {
	// nolint:all
	r.store.Close()
}

type seenInputData struct {
	Outpoint  string
	SessionId string
	SeenAt    int64
}
