package projection

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/logging/mlog"
	"github.com/slapcommerce/core/transport"
)

func newTestClient(t *testing.T) *transport.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return transport.NewWithClient(raw, &mlog.NoneLogger{})
}

func TestTransactions_CommitWithoutExpectedVersionFailsFast(t *testing.T) {
	client := newTestClient(t)
	txs := NewTransactions(client)

	_, err := txs.Commit(context.Background(), New("order-1").Set("k", "v"))

	var missing coreerr.PreconditionMissingError
	assert.True(t, errors.As(err, &missing))
}

func TestTransactions_FirstCommitInitializesVersionToZero(t *testing.T) {
	client := newTestClient(t)
	txs := NewTransactions(client)

	txn := New("order-2").
		ExpectedVersion(UninitializedVersion).
		HSet("order:order-2", "status", "placed")

	newVersion, err := txs.Commit(context.Background(), txn)
	require.NoError(t, err)
	assert.Equal(t, 0, newVersion)

	status, err := client.Raw().HGet(context.Background(), "order:order-2", "status").Result()
	require.NoError(t, err)
	assert.Equal(t, "placed", status)
}

func TestTransactions_SecondCommitAdvancesVersion(t *testing.T) {
	client := newTestClient(t)
	txs := NewTransactions(client)

	_, err := txs.Commit(context.Background(), New("order-3").
		ExpectedVersion(UninitializedVersion).
		Set("order:order-3:status", "placed"))
	require.NoError(t, err)

	newVersion, err := txs.Commit(context.Background(), New("order-3").
		ExpectedVersion(0).
		Set("order:order-3:status", "shipped"))
	require.NoError(t, err)
	assert.Equal(t, 1, newVersion)

	status, err := client.Raw().Get(context.Background(), "order:order-3:status").Result()
	require.NoError(t, err)
	assert.Equal(t, "shipped", status)
}

func TestTransactions_StaleExpectedVersionConflicts(t *testing.T) {
	client := newTestClient(t)
	txs := NewTransactions(client)

	_, err := txs.Commit(context.Background(), New("order-4").
		ExpectedVersion(UninitializedVersion).
		Set("order:order-4:status", "placed"))
	require.NoError(t, err)

	_, err = txs.Commit(context.Background(), New("order-4").
		ExpectedVersion(UninitializedVersion).
		Set("order:order-4:status", "placed-again"))

	var conflict coreerr.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, uint64(0), conflict.Actual)
}

func TestTransactions_MultiOpCommitAppliesAllOperations(t *testing.T) {
	client := newTestClient(t)
	txs := NewTransactions(client)

	txn := New("order-5").
		ExpectedVersion(UninitializedVersion).
		HSet("order:order-5", "status", "placed").
		SAdd("orders:placed", "order-5").
		ZAdd("orders:by-date", "1000", "order-5")

	_, err := txs.Commit(context.Background(), txn)
	require.NoError(t, err)

	isMember, err := client.Raw().SIsMember(context.Background(), "orders:placed", "order-5").Result()
	require.NoError(t, err)
	assert.True(t, isMember)

	score, err := client.Raw().ZScore(context.Background(), "orders:by-date", "order-5").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(1000), score)
}
