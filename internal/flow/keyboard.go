package flow

import (
	"strconv"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
)

// DefaultPageSize is how many employees fit on one keyboard page.
const DefaultPageSize = 8

// selectedMarker prefixes buttons whose option is currently selected.
const selectedMarker = "✅ "

// clampPage keeps a page index inside [0, lastPage] for the given total.
func clampPage(page, total, pageSize int) int {
	if total <= 0 || page < 0 {
		return 0
	}
	lastPage := (total - 1) / pageSize
	if page > lastPage {
		return lastPage
	}
	return page
}

// pageBounds returns the [start, end) slice bounds of a page.
func pageBounds(page, total, pageSize int) (int, int) {
	start := page * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}

// navRow builds a pagination row for the given action. Buttons appear only
// when the neighbouring page exists.
func navRow(action string, page, total, pageSize int) []models.Button {
	var row []models.Button
	if page > 0 {
		row = append(row, models.Button{
			Text: "⬅️ Back",
			Data: models.EncodeCallback(action, strconv.Itoa(page-1)),
		})
	}
	if (page+1)*pageSize < total {
		row = append(row, models.Button{
			Text: "Next ➡️",
			Data: models.EncodeCallback(action, strconv.Itoa(page+1)),
		})
	}
	return row
}

// targetKeyboard lists every employee as a target candidate, one per row.
func targetKeyboard(employees []models.Employee, page int) models.Keyboard {
	page = clampPage(page, len(employees), DefaultPageSize)
	start, end := pageBounds(page, len(employees), DefaultPageSize)

	var kb models.Keyboard
	for _, emp := range employees[start:end] {
		kb = append(kb, models.Row(models.Button{
			Text: emp.FullName(),
			Data: models.EncodeCallback(models.ActionSelectTarget, emp.ID),
		}))
	}
	if nav := navRow(models.ActionTargetPage, page, len(employees), DefaultPageSize); len(nav) > 0 {
		kb = append(kb, nav)
	}
	kb = append(kb, models.Row(models.Button{
		Text: "Cancel",
		Data: models.EncodeCallback(models.ActionCancelCreation),
	}))
	return kb
}

// respondentCandidates filters the directory down to selectable respondents.
// The target employee is never a candidate.
func respondentCandidates(employees []models.Employee, targetID string) []models.Employee {
	candidates := make([]models.Employee, 0, len(employees))
	for _, emp := range employees {
		if emp.ID == targetID {
			continue
		}
		candidates = append(candidates, emp)
	}
	return candidates
}

// respondentKeyboard renders the respondent multi-select with checkmarks on
// selected entries. Toggle buttons carry the current page so the keyboard
// re-renders in place.
func respondentKeyboard(candidates []models.Employee, data *models.CycleWizardData, page int) models.Keyboard {
	page = clampPage(page, len(candidates), DefaultPageSize)
	start, end := pageBounds(page, len(candidates), DefaultPageSize)
	pageArg := strconv.Itoa(page)

	var kb models.Keyboard
	for _, emp := range candidates[start:end] {
		text := emp.FullName()
		if data.HasRespondent(emp.ID) {
			text = selectedMarker + text
		}
		kb = append(kb, models.Row(models.Button{
			Text: text,
			Data: models.EncodeCallback(models.ActionToggleRespondent, emp.ID, pageArg),
		}))
	}
	if nav := navRow(models.ActionRespondentsPage, page, len(candidates), DefaultPageSize); len(nav) > 0 {
		kb = append(kb, nav)
	}
	kb = append(kb, models.Row(
		models.Button{Text: "Select all", Data: models.EncodeCallback(models.ActionSelectAllRespondents, pageArg)},
		models.Button{Text: "Clear all", Data: models.EncodeCallback(models.ActionDeselectAllRespondents, pageArg)},
	))
	kb = append(kb, models.Row(
		models.Button{Text: "Done", Data: models.EncodeCallback(models.ActionFinishRespondents)},
		models.Button{Text: "Cancel", Data: models.EncodeCallback(models.ActionCancelCreation)},
	))
	return kb
}

// confirmationKeyboard is the final create-or-cancel choice of the wizard.
func confirmationKeyboard() models.Keyboard {
	return models.Keyboard{
		models.Row(
			models.Button{Text: "✅ Create cycle", Data: models.EncodeCallback(models.ActionConfirmCreation)},
			models.Button{Text: "❌ Cancel", Data: models.EncodeCallback(models.ActionCancelCreation)},
		),
	}
}
