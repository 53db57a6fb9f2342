// Package flow implements the conversational engines of FeedbackLoop: the
// cycle creation wizard and the questionnaire traversal engine, both driven by
// per-user conversation state persisted in the store.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
)

// DefaultSessionTTL bounds how long an abandoned conversation survives.
const DefaultSessionTTL = 24 * time.Hour

// StateManager abstracts conversation state persistence. State is keyed by
// user and flow type, so the wizard and the survey engine never collide.
type StateManager interface {
	// Get returns the current state, or nil when the user is idle in the flow.
	Get(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationState, error)
	// Save persists the state, stamping timestamps.
	Save(ctx context.Context, state *models.ConversationState) error
	// Clear removes the state. Clearing an idle user is not an error.
	Clear(ctx context.Context, userID string, flowType models.FlowType) error
}

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store      store.Store
	sessionTTL time.Duration
	now        func() time.Time
}

// StateManagerOption configures a StoreBasedStateManager.
type StateManagerOption func(*StoreBasedStateManager)

// WithSessionTTL overrides the conversation session TTL.
func WithSessionTTL(ttl time.Duration) StateManagerOption {
	return func(sm *StoreBasedStateManager) { sm.sessionTTL = ttl }
}

// NewStoreBasedStateManager creates a StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store, opts ...StateManagerOption) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	sm := &StoreBasedStateManager{store: st, sessionTTL: DefaultSessionTTL, now: time.Now}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Get retrieves the conversation state for a user in a flow.
func (sm *StoreBasedStateManager) Get(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationState, error) {
	var state models.ConversationState
	found, err := store.GetJSON(ctx, sm.store, store.ConversationKey(string(flowType), userID), &state)
	if err != nil {
		slog.Error("StateManager Get error", "error", err, "user", userID, "flowType", flowType)
		return nil, err
	}
	if !found {
		slog.Debug("StateManager Get not found", "user", userID, "flowType", flowType)
		return nil, nil
	}
	slog.Debug("StateManager Get found", "user", userID, "flowType", flowType, "state", state.CurrentState)
	return &state, nil
}

// Save persists the conversation state. Every save refreshes the session TTL,
// so only abandoned conversations expire.
func (sm *StoreBasedStateManager) Save(ctx context.Context, state *models.ConversationState) error {
	now := sm.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	key := store.ConversationKey(string(state.FlowType), state.UserID)
	if err := store.SetJSON(ctx, sm.store, key, state, sm.sessionTTL); err != nil {
		slog.Error("StateManager Save error", "error", err, "user", state.UserID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("StateManager Save succeeded", "user", state.UserID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// Clear removes the conversation state for a user in a flow.
func (sm *StoreBasedStateManager) Clear(ctx context.Context, userID string, flowType models.FlowType) error {
	if err := sm.store.Delete(ctx, store.ConversationKey(string(flowType), userID)); err != nil {
		slog.Error("StateManager Clear error", "error", err, "user", userID, "flowType", flowType)
		return err
	}
	slog.Debug("StateManager Clear succeeded", "user", userID, "flowType", flowType)
	return nil
}
