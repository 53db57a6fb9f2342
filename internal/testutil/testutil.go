// Package testutil provides shared fakes for FeedbackLoop tests.
package testutil

import (
	"context"
	"sync"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
)

// SentMessage records one outbound message.
type SentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Keyboard  models.Keyboard
}

// EditedMessage records one message edit.
type EditedMessage struct {
	ChatID    int64
	MessageID int
	Text      string
	Keyboard  models.Keyboard
}

// Messenger is a recording fake for the transport boundary.
type Messenger struct {
	mu     sync.Mutex
	Sent   []SentMessage
	Edited []EditedMessage
	Acks   []string
	// FailFor makes Send fail for specific chat ids.
	FailFor map[int64]error

	nextMessageID int
}

// NewMessenger creates an empty recording messenger.
func NewMessenger() *Messenger {
	return &Messenger{FailFor: make(map[int64]error)}
}

// Send records an outbound message and returns a fresh message id.
func (m *Messenger) Send(ctx context.Context, chatID int64, text string, keyboard models.Keyboard) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[chatID]; ok {
		return 0, err
	}
	m.nextMessageID++
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, MessageID: m.nextMessageID, Text: text, Keyboard: keyboard})
	return m.nextMessageID, nil
}

// Edit records a message edit.
func (m *Messenger) Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard models.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[chatID]; ok {
		return err
	}
	m.Edited = append(m.Edited, EditedMessage{ChatID: chatID, MessageID: messageID, Text: text, Keyboard: keyboard})
	return nil
}

// SentTo returns all messages sent to a chat.
func (m *Messenger) SentTo(chatID int64) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, msg := range m.Sent {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return out
}

// LastTo returns the last message sent to a chat, if any.
func (m *Messenger) LastTo(chatID int64) (SentMessage, bool) {
	msgs := m.SentTo(chatID)
	if len(msgs) == 0 {
		return SentMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// LastEdit returns the last edit applied to a chat, if any.
func (m *Messenger) LastEdit(chatID int64) (EditedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Edited) - 1; i >= 0; i-- {
		if m.Edited[i].ChatID == chatID {
			return m.Edited[i], true
		}
	}
	return EditedMessage{}, false
}

// AnswerCallback records a button press acknowledgement.
func (m *Messenger) AnswerCallback(ctx context.Context, callbackID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acks = append(m.Acks, callbackID)
	return nil
}

// Reset clears all recorded traffic.
func (m *Messenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = nil
	m.Edited = nil
	m.Acks = nil
}
