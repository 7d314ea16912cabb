package badgerdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payjoinlabs/payjoind/internal/core/domain"
)

func newTestSession(id string) domain.Session {
	now := time.Now().Unix()
	return domain.Session{
		Id:         id,
		Address:    "bcrt1qcmv5jdlcnyy0s620zkcvk2mw9nf6nsx9jgvyy7",
		Network:    "regtest",
		Amount:     100_000,
		Directory:  "https://payjo.in",
		OhttpRelay: "https://pj.bobspacebkk.com",
		OhttpKeys:  []byte{0x01, 0x02, 0x03},
		SessionKey: []byte{0x04, 0x05, 0x06},
		CreatedAt:  now,
		ExpiresAt:  now + 86400,
		Status:     domain.SessionPending,
	}
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSessionRepository("", nil)
	require.NoError(t, err)
	defer repo.Close()

	session := newTestSession("session-1")

	t.Run("add and get", func(t *testing.T) {
		require.NoError(t, repo.Add(ctx, session))

		got, err := repo.Get(ctx, session.Id)
		require.NoError(t, err)
		assert.Equal(t, session, *got)
	})

	t.Run("get unknown session", func(t *testing.T) {
		_, err := repo.Get(ctx, "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("update", func(t *testing.T) {
		updated := session
		updated.Status = domain.SessionCompleted
		updated.PayjoinTxid = "deadbeef"
		updated.OriginalTx = []byte{0xca, 0xfe}
		require.NoError(t, repo.Update(ctx, updated))

		got, err := repo.Get(ctx, session.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCompleted, got.Status)
		assert.Equal(t, "deadbeef", got.PayjoinTxid)
		assert.Equal(t, []byte{0xca, 0xfe}, got.OriginalTx)
	})

	t.Run("get all", func(t *testing.T) {
		other := newTestSession("session-2")
		require.NoError(t, repo.Add(ctx, other))

		sessions, err := repo.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 2)

		ids := []string{sessions[0].Id, sessions[1].Id}
		assert.Contains(t, ids, "session-1")
		assert.Contains(t, ids, "session-2")
	})

	t.Run("duplicate add fails", func(t *testing.T) {
		require.Error(t, repo.Add(ctx, session))
	})
}

func TestSeenInputRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSeenInputRepository("", nil)
	require.NoError(t, err)
	defer repo.Close()

	outpoint := "1111111111111111111111111111111111111111111111111111111111111111:0"

	t.Run("unknown outpoint", func(t *testing.T) {
		exists, err := repo.Exists(ctx, outpoint)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("add and check", func(t *testing.T) {
		err := repo.Add(ctx, []domain.SeenInput{{
			Outpoint:  outpoint,
			SessionId: "session-1",
			SeenAt:    time.Now().Unix(),
		}})
		require.NoError(t, err)

		exists, err := repo.Exists(ctx, outpoint)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("re-adding is idempotent", func(t *testing.T) {
		err := repo.Add(ctx, []domain.SeenInput{{
			Outpoint:  outpoint,
			SessionId: "session-2",
			SeenAt:    time.Now().Unix(),
		}})
		require.NoError(t, err)

		exists, err := repo.Exists(ctx, outpoint)
		require.NoError(t, err)
		assert.True(t, exists)
	})
}
