package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SetJSON marshals a record and stores it under the key.
func SetJSON(ctx context.Context, s Store, key string, record any, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record for key %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// GetJSON loads and unmarshals a record. The boolean reports whether the key
// existed; a missing key leaves the destination untouched.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("unmarshal record for key %s: %w", key, err)
	}
	return true, nil
}
