package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/certlab/exam-runtime/internal/store"
	"github.com/certlab/exam-runtime/internal/store/storetest"
)

func TestGetSetDelete(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}

	if err := s.Delete(ctx, "k", "never-existed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected key gone, got %v", err)
	}
}

func TestKeysArePrefixedAndExpire(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()

	if err := s.Set(ctx, "exam:1", []byte("x"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("examrt:exam:1") {
		t.Fatal("expected prefixed key in redis")
	}

	ttl, err := s.TTL(ctx, "exam:1")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 10*time.Second {
		t.Errorf("unexpected ttl %s", ttl)
	}

	mr.FastForward(11 * time.Second)
	if _, err := s.Get(ctx, "exam:1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected key to expire, got %v", err)
	}
}

func TestSetNXIsConditional(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "claim", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "claim", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("second SetNX: %v", err)
	}
	if ok {
		t.Fatal("second SetNX must not overwrite")
	}
	got, _ := s.Get(ctx, "claim")
	if string(got) != "a" {
		t.Errorf("expected original value, got %q", got)
	}
}

func TestDeleteAndExpireIfEqual(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()

	s.Set(ctx, "owner", []byte("instance-a"), 5*time.Second)

	ok, err := s.ExpireIfEqual(ctx, "owner", []byte("instance-b"), time.Minute)
	if err != nil {
		t.Fatalf("ExpireIfEqual: %v", err)
	}
	if ok {
		t.Error("foreign owner must not renew the lease")
	}
	ok, _ = s.ExpireIfEqual(ctx, "owner", []byte("instance-a"), time.Minute)
	if !ok {
		t.Error("owner should renew the lease")
	}
	mr.FastForward(10 * time.Second)
	if _, err := s.Get(ctx, "owner"); err != nil {
		t.Errorf("renewed lease should survive: %v", err)
	}

	ok, _ = s.DeleteIfEqual(ctx, "owner", []byte("instance-b"))
	if ok {
		t.Error("foreign owner must not delete")
	}
	ok, _ = s.DeleteIfEqual(ctx, "owner", []byte("instance-a"))
	if !ok {
		t.Error("owner should delete")
	}
}

func TestHashConditionalOps(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()

	ok, err := s.HSetNX(ctx, "ports:leases", "desktop:6080", "sess-1")
	if err != nil || !ok {
		t.Fatalf("HSetNX: ok=%v err=%v", ok, err)
	}
	ok, _ = s.HSetNX(ctx, "ports:leases", "desktop:6080", "sess-2")
	if ok {
		t.Fatal("lease must not be overwritten by another session")
	}

	ok, _ = s.HDelIfEqual(ctx, "ports:leases", "desktop:6080", "sess-2")
	if ok {
		t.Fatal("non-owner must not release the lease")
	}
	owner, err := s.HGet(ctx, "ports:leases", "desktop:6080")
	if err != nil || owner != "sess-1" {
		t.Fatalf("expected sess-1, got %q (%v)", owner, err)
	}

	ok, _ = s.HDelIfEqual(ctx, "ports:leases", "desktop:6080", "sess-1")
	if !ok {
		t.Fatal("owner should release the lease")
	}
	all, err := s.HGetAll(ctx, "ports:leases")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty hash, got %v", all)
	}
	if _, err := s.HGet(ctx, "ports:leases", "desktop:6080"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetsAndJSON(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()

	s.SAdd(ctx, "sessions:active", "a", "b")
	s.SRem(ctx, "sessions:active", "a")
	members, err := s.SMembers(ctx, "sessions:active")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("unexpected members %v", members)
	}

	type rec struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	if err := s.SetJSON(ctx, "rec", rec{ID: "x", Count: 3}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got rec
	if err := s.GetJSON(ctx, "rec", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.ID != "x" || got.Count != 3 {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestTTLUntil(t *testing.T) {
	if ttl := store.TTLUntil(time.Now().Add(-time.Hour), time.Minute); ttl != time.Minute {
		t.Errorf("past deadline should get grace only, got %s", ttl)
	}
	ttl := store.TTLUntil(time.Now().Add(time.Hour), time.Minute)
	if ttl < 60*time.Minute || ttl > 61*time.Minute {
		t.Errorf("unexpected ttl %s", ttl)
	}
	if ttl := store.TTLUntil(time.Now(), 0); ttl != time.Second {
		t.Errorf("expected 1s floor, got %s", ttl)
	}
}
