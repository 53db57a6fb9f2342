package store

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreGetSetDelete(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}

	if err := s.Set(ctx, "k", "", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, found, err := s.Get(ctx, "k")
	if err != nil || !found || val != "" {
		t.Errorf("empty stored value must be distinguishable from missing: val=%q found=%v err=%v", val, found, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Error("deleted key should be gone")
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
}

func TestInMemoryStoreExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.Set(ctx, "session", "data", time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, _ := s.Get(ctx, "session"); !found {
		t.Fatal("key should exist before expiry")
	}

	now = now.Add(2 * time.Hour)
	if _, found, _ := s.Get(ctx, "session"); found {
		t.Error("key should expire after ttl")
	}
}

func TestInMemoryStoreSetIdempotence(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	key := PendingNotificationsKey("emp1")
	for i := 0; i < 3; i++ {
		if err := s.AddToSet(ctx, key, "cycle_a"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.AddToSet(ctx, key, "cycle_b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	members, err := s.SetMembers(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected exactly 2 members, got %v", members)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	members, _ = s.SetMembers(ctx, key)
	if len(members) != 0 {
		t.Errorf("drained set should be empty, got %v", members)
	}
}

func TestInMemoryStoreKeys(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, CycleKey("20250314_090000_t1"), "{}", 0)
	_ = s.Set(ctx, CycleKey("20250315_090000_t2"), "{}", 0)
	_ = s.Set(ctx, EmployeeChatIDKey("t1"), "42", 0)

	keys, err := s.Keys(ctx, CycleKeyPattern)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 cycle keys, got %v", keys)
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := SetJSON(ctx, s, "rec", record{Name: "cycle", Count: 2}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got record
	found, err := GetJSON(ctx, s, "rec", &got)
	if err != nil || !found {
		t.Fatalf("expected record, found=%v err=%v", found, err)
	}
	if got.Name != "cycle" || got.Count != 2 {
		t.Errorf("unexpected record %+v", got)
	}

	found, err = GetJSON(ctx, s, "absent", &got)
	if err != nil || found {
		t.Errorf("missing key should report found=false, got found=%v err=%v", found, err)
	}

	_ = s.Set(ctx, "broken", "not json", 0)
	if _, err := GetJSON(ctx, s, "broken", &got); err == nil {
		t.Error("expected unmarshal error for corrupt record")
	}
}
