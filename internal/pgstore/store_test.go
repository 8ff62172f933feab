package pgstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/engine"
	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/lifecycle"
	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/scheduler"
	"github.com/roach88/ordersync/internal/store"
)

var (
	_ engine.Store          = (*Store)(nil)
	_ engine.PaymentChecker = (*Store)(nil)
	_ scheduler.Lister      = (*Store)(nil)
	_ feed.Source           = (*Store)(nil)
)

// openTestStore connects to the database named by ORDERSYNC_TEST_POSTGRES_DSN
// and skips the test when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ORDERSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORDERSYNC_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// uniqueID keeps tests independent on a shared database.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func TestPostgres_TransitionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uniqueID("o")

	o, err := s.InsertOrder(ctx, store.NewOrder{ID: id})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionOrder(ctx, store.TransitionWrite{
				ID:              id,
				ExpectedVersion: o.Version,
				From:            []lifecycle.Status{lifecycle.StatusPending},
				To:              lifecycle.StatusPreparing,
				At:              time.Now(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case engine.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
}

func TestPostgres_NotifyDeliversSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn, err := s.Open(ctx, model.TypeOrder)
	require.NoError(t, err)
	defer conn.Close()

	id := uniqueID("o")
	_, err = s.InsertOrder(ctx, store.NewOrder{ID: id})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ch, ok := <-conn.Changes():
			require.True(t, ok, "feed closed: %v", conn.Err())
			if ch.ID() != id {
				continue
			}
			assert.Equal(t, feed.OpInsert, ch.Op)
			o, isOrder := ch.New.(model.Order)
			require.True(t, isOrder)
			assert.Equal(t, lifecycle.StatusPending, o.Status)
			return
		case <-deadline:
			t.Fatal("no notification for inserted order")
		}
	}
}

func TestPostgres_AuditIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uniqueID("o")

	_, err := s.InsertOrder(ctx, store.NewOrder{ID: id})
	require.NoError(t, err)

	e := engine.New(s, s, s, nil, nil)
	actor := lifecycle.Actor{ID: "staff:ana", Role: lifecycle.RoleStaff}
	_, err = e.RequestTransition(ctx, id, lifecycle.EventStartPreparing, actor)
	require.NoError(t, err)
	out, err := e.RequestTransition(ctx, id, lifecycle.EventStartPreparing, actor)
	require.NoError(t, err)
	assert.True(t, out.NoOp)

	recs, err := s.ReadAudit(ctx, id)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
