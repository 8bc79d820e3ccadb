package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/cognigate/pkg/contracts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, driver: "postgres"}, mock
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestRebindForPostgres(t *testing.T) {
	pg := &Store{driver: "postgres"}
	assert.Equal(t,
		`SELECT score FROM trust_records WHERE entity_id = $1 AND version = $2`,
		pg.rebind(`SELECT score FROM trust_records WHERE entity_id = ? AND version = ?`))

	lite := &Store{driver: "sqlite"}
	assert.Equal(t, `WHERE id = ?`, lite.rebind(`WHERE id = ?`))
}

func TestUpdateTrustRecordVersionConflict(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := &contracts.TrustRecord{
		EntityID:         "agent-1",
		Score:            100,
		Tier:             contracts.TierProvisional,
		LastCalculatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertTrustRecord(ctx, r))
	require.Equal(t, int64(1), r.Version)

	// A writer holding a stale version loses.
	stale := *r
	stale.Version = 0
	err := st.UpdateTrustRecord(ctx, &stale)
	assert.True(t, contracts.IsConflict(err))

	// The current version wins and bumps.
	r.Score = 120
	require.NoError(t, st.UpdateTrustRecord(ctx, r))
	assert.Equal(t, int64(2), r.Version)
}

func TestCommitProofTailRace(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := &contracts.Proof{
		ID:           "proof-1",
		IntentID:     "intent-1",
		EntityID:     "agent-1",
		Decision:     contracts.ActionAllow,
		PreviousHash: GenesisHash,
		Hash:         "h1",
		CreatedAt:    time.Now().UTC(),
	}
	// Expected length 5 does not match the fresh tail at 0.
	err := st.CommitProof(ctx, p, 5)
	require.True(t, contracts.IsConflict(err))

	// Nothing was written: the losing transaction rolled back whole.
	_, err = st.GetProofByID(ctx, "proof-1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	tail, err := st.Tail(ctx)
	require.NoError(t, err)
	assert.Zero(t, tail.ChainLength)
}

func TestTransitionEscalationCAS(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.InsertEscalation(ctx, &contracts.Escalation{
		ID:          "esc-1",
		IntentID:    "intent-1",
		EntityID:    "agent-1",
		RequesterID: "agent-1",
		Status:      contracts.EscalationPending,
		EscalatedTo: "ops-team",
		TimeoutAt:   now.Add(time.Hour),
		CreatedAt:   now,
	}))

	require.NoError(t, st.TransitionEscalation(ctx, "esc-1",
		contracts.EscalationPending, contracts.EscalationAcknowledged, "reviewer-1", "", nil))

	// The same transition replayed finds the guard status gone.
	err := st.TransitionEscalation(ctx, "esc-1",
		contracts.EscalationPending, contracts.EscalationAcknowledged, "reviewer-2", "", nil)
	assert.True(t, contracts.IsConflict(err))

	e, err := st.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.EscalationAcknowledged, e.Status)
}

func TestGetTrustRecordNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetTrustRecord(context.Background(), "ghost")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestGetTrustRecordQueryFailure(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`SELECT entity_id, score, tier`).
		WithArgs("agent-1").
		WillReturnError(assert.AnError)

	_, err := st.GetTrustRecord(context.Background(), "agent-1")
	assert.ErrorContains(t, err, "get trust record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitProofRollsBackOnInsertFailure(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO proofs`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	p := &contracts.Proof{
		ID:        "proof-1",
		IntentID:  "intent-1",
		EntityID:  "agent-1",
		Hash:      "h1",
		CreatedAt: time.Now().UTC(),
	}
	err := st.CommitProof(context.Background(), p, 0)
	assert.ErrorContains(t, err, "insert proof")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSignalFailureSurfaces(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectExec(`INSERT INTO trust_signals`).WillReturnError(assert.AnError)

	err := st.InsertSignal(context.Background(), &contracts.TrustSignal{
		ID:        "sig-1",
		EntityID:  "agent-1",
		Type:      contracts.SignalSuccessLow,
		Value:     0.5,
		Weight:    1,
		Timestamp: time.Now().UTC(),
	}, 5)
	assert.ErrorContains(t, err, "insert signal")
	assert.NoError(t, mock.ExpectationsWereMet())
}
