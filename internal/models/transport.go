// Package models defines transport-facing structures shared across modules.
package models

// Button is one inline keyboard button. Data carries an opaque command string
// in the form "action:argument[:argument...]"; the receiving engine owns all
// parsing and validation of that string.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Keyboard is a grid of buttons, one slice per row.
type Keyboard [][]Button

// Row is a convenience constructor for a single keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}
