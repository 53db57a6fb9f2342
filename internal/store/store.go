// Package store provides key-value storage backends for FeedbackLoop.
//
// It includes a Redis-backed store for production and an in-memory store for
// tests. All values are opaque serialized records; callers own (de)serialization.
package store

import (
	"context"
	"time"
)

// Store defines the key-value boundary used for conversation state, cycle
// records, caches and the pending-notification queue.
type Store interface {
	// Get retrieves a value. The boolean reports whether the key exists, so
	// an empty stored value is distinguishable from a missing key.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. A non-zero ttl makes the key expire if untouched.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// AddToSet adds a member to a set. Adding twice has no extra effect.
	AddToSet(ctx context.Context, key, member string) error

	// SetMembers returns all members of a set; empty slice for a missing key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Keys returns all keys matching a glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Key builders. All FeedbackLoop keys are namespaced so Keys patterns stay cheap.

// CycleKey is the storage key for a feedback cycle record.
func CycleKey(cycleID string) string {
	return "cycle:" + cycleID
}

// CycleKeyPattern matches every stored cycle record.
const CycleKeyPattern = "cycle:*"

// PendingNotificationsKey is the per-employee set of cycle ids with
// undelivered invitations.
func PendingNotificationsKey(employeeID string) string {
	return "pending_notifications:" + employeeID
}

// ConversationKey is the per-user, per-flow conversation state key.
func ConversationKey(flowType, userID string) string {
	return "conversation:" + flowType + ":" + userID
}

// EmployeeChatIDKey stores the lazily resolved chat id of an employee.
func EmployeeChatIDKey(employeeID string) string {
	return "employee_chat_id:" + employeeID
}

// QuestionnaireCacheKey holds the cached questionnaire document.
const QuestionnaireCacheKey = "questionnaire:v1"
