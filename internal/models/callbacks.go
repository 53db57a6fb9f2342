// Package models defines the callback command grammar shared across modules.
package models

import "strings"

// Callback action names. A button's opaque data string is
// "action:argument[:argument...]"; these constants are kept here so the
// wizard, the survey engine and the dispatcher agree without import cycles.
const (
	// Cycle creation wizard.
	ActionSelectTarget           = "select_target"
	ActionTargetPage             = "target_page"
	ActionToggleRespondent       = "toggle_resp"
	ActionRespondentsPage        = "resp_page"
	ActionSelectAllRespondents   = "resp_select_all"
	ActionDeselectAllRespondents = "resp_deselect_all"
	ActionFinishRespondents      = "finish_respondents"
	ActionConfirmCreation        = "confirm_creation"
	ActionCancelCreation         = "cancel_creation"

	// Questionnaire traversal.
	ActionBeginSurvey   = "begin_survey"
	ActionSurveyPick    = "svy_pick"
	ActionSurveyConfirm = "svy_confirm"
	ActionSurveyToggle  = "svy_toggle"
	ActionSurveyNext    = "svy_next"
	ActionSurveySkip    = "svy_skip"

	// Cycle status management.
	ActionCycleStatus = "cycle_status"
	ActionCycleClose  = "cycle_close"
	ActionCycleReport = "cycle_report"
)

// EncodeCallback joins an action and its arguments into a command string.
func EncodeCallback(action string, args ...string) string {
	if len(args) == 0 {
		return action
	}
	return action + ":" + strings.Join(args, ":")
}

// DecodeCallback splits a command string into action and arguments. Malformed
// input yields an empty action, which every handler treats as a no-op.
func DecodeCallback(data string) (string, []string) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", nil
	}
	parts := strings.Split(data, ":")
	return parts[0], parts[1:]
}
