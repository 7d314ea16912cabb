package badgerdb

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/payjoinlabs/payjoind/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const (
	sessionDir = "session"
)

type sessionRepository struct {
	store *badgerhold.Store
}

func NewSessionRepository(baseDir string, logger badger.Logger) (domain.SessionRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, sessionDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %s", err)
	}
	return &sessionRepository{store}, nil
}

func (r *sessionRepository) GetAll(ctx context.Context) ([]domain.Session, error) {
	var sessionDataList []sessionData
	err := r.store.Find(&sessionDataList, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sessions: %w", err)
	}

	var sessions []domain.Session
	for _, s := range sessionDataList {
		session, err := s.toSession()
		if err != nil {
			return nil, fmt.Errorf("failed to convert data to session: %w", err)
		}

		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (r *sessionRepository) Get(ctx context.Context, sessionId string) (*domain.Session, error) {
	var sessionData sessionData
	err := r.store.Get(sessionId, &sessionData)
	if err == badgerhold.ErrNotFound {
		return nil, fmt.Errorf("session with id %s not found", sessionId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session, err := sessionData.toSession()
	if err != nil {
		return nil, fmt.Errorf("failed to convert data to session: %w", err)
	}

	return &session, nil
}

// Add stores a new session in the database
func (r *sessionRepository) Add(ctx context.Context, session domain.Session) error {
	return r.store.Insert(session.Id, toSessionData(session))
}

func (r *sessionRepository) Update(ctx context.Context, session domain.Session) error {
	return r.store.Update(session.Id, toSessionData(session))
}

func (r *sessionRepository) Close() {
	// nolint:all
	r.store.Close()
}

type sessionData struct {
	Id          string
	Address     string
	Network     string
	Amount      uint64
	Directory   string
	OhttpRelay  string
	OhttpKeys   string
	SessionKey  string
	CreatedAt   int64
	ExpiresAt   int64
	Status      domain.SessionStatus
	OriginalTx  string
	PayjoinTxid string
}

func toSessionData(session domain.Session) sessionData {
	return sessionData{
		Id:          session.Id,
		Address:     session.Address,
		Network:     session.Network,
		Amount:      session.Amount,
		Directory:   session.Directory,
		OhttpRelay:  session.OhttpRelay,
		OhttpKeys:   hex.EncodeToString(session.OhttpKeys),
		SessionKey:  hex.EncodeToString(session.SessionKey),
		CreatedAt:   session.CreatedAt,
		ExpiresAt:   session.ExpiresAt,
		Status:      session.Status,
		OriginalTx:  hex.EncodeToString(session.OriginalTx),
		PayjoinTxid: session.PayjoinTxid,
	}
}

func (s *sessionData) toSession() (domain.Session, error) {
	ohttpKeys, err := hex.DecodeString(s.OhttpKeys)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to decode ohttp keys: %w", err)
	}
	sessionKey, err := hex.DecodeString(s.SessionKey)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to decode session key: %w", err)
	}
	originalTx, err := hex.DecodeString(s.OriginalTx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to decode original tx: %w", err)
	}

	return domain.Session{
		Id:          s.Id,
		Address:     s.Address,
		Network:     s.Network,
		Amount:      s.Amount,
		Directory:   s.Directory,
		OhttpRelay:  s.OhttpRelay,
		OhttpKeys:   ohttpKeys,
		SessionKey:  sessionKey,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		Status:      s.Status,
		OriginalTx:  originalTx,
		PayjoinTxid: s.PayjoinTxid,
	}, nil
}
