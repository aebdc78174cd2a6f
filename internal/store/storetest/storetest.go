// Package storetest provides a store backed by an in-process Redis for tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/redis/go-redis/v9"
)

// New starts a miniredis server bound to t's lifetime and returns a store
// connected to it along with the server, so tests can fast-forward TTLs.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.New(rdb)
	t.Cleanup(func() { s.Close() })
	return s, mr
}
