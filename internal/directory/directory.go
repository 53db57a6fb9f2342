// Package directory maintains the employee directory loaded from the system
// of record.
//
// The directory is held as an immutable snapshot behind an atomic pointer:
// reloads build a fresh index and swap it wholesale, so readers never observe
// a partially updated directory.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/openloop-hr/FeedbackLoop/internal/models"
	"github.com/openloop-hr/FeedbackLoop/internal/sheets"
	"github.com/openloop-hr/FeedbackLoop/internal/store"
)

// EmployeesSheet is the worksheet holding the employee directory.
const EmployeesSheet = "Employees"

// Expected header columns of the Employees worksheet.
const (
	colEmployeeID = "employee_id"
	colFirstName  = "first_name"
	colLastName   = "last_name"
	colManagerID  = "manager_id"
)

type snapshot struct {
	employees []models.Employee
	byID      map[string]int
	byChatID  map[int64]int
}

func (s *snapshot) lookup(idx int, ok bool) (models.Employee, bool) {
	if !ok {
		return models.Employee{}, false
	}
	return s.employees[idx], true
}

// Service loads and indexes employees, and tracks the mapping from stable
// employee ids to volatile chat ids.
type Service struct {
	source sheets.Service
	kv     store.Store
	snap   atomic.Pointer[snapshot]
}

// NewService creates a directory service. Call Load before first use.
func NewService(source sheets.Service, kv store.Store) *Service {
	svc := &Service{source: source, kv: kv}
	svc.snap.Store(&snapshot{byID: map[string]int{}, byChatID: map[int64]int{}})
	return svc
}

// Load reloads the directory from the system of record and swaps the
// in-memory index atomically. Previously registered chat ids are applied from
// the store. An empty directory is a load failure, not a valid result.
func (s *Service) Load(ctx context.Context) error {
	slog.Debug("Directory Load started")
	records, err := s.source.ListRecords(ctx, EmployeesSheet)
	if err != nil {
		slog.Error("Directory Load failed to list records", "error", err)
		return fmt.Errorf("load employees: %w", err)
	}

	var employees []models.Employee
	for _, rec := range records {
		emp := models.Employee{
			ID:        rec[colEmployeeID],
			FirstName: rec[colFirstName],
			LastName:  rec[colLastName],
			ManagerID: rec[colManagerID],
		}
		if emp.ID == "" || emp.FullName() == "" {
			slog.Warn("Directory skipping invalid employee record", "record", rec)
			continue
		}
		employees = append(employees, emp)
	}
	if len(employees) == 0 {
		slog.Error("Directory Load produced no valid employees")
		return fmt.Errorf("load employees: %w", models.ErrEmployeeNotFound)
	}

	for i := range employees {
		raw, found, err := s.kv.Get(ctx, store.EmployeeChatIDKey(employees[i].ID))
		if err != nil {
			return fmt.Errorf("load chat id for %s: %w", employees[i].ID, err)
		}
		if !found {
			continue
		}
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("Directory ignoring malformed stored chat id", "employee", employees[i].ID, "value", raw)
			continue
		}
		employees[i].ChatID = chatID
	}

	s.snap.Store(buildSnapshot(employees))
	slog.Info("Directory loaded", "employees", len(employees))
	return nil
}

func buildSnapshot(employees []models.Employee) *snapshot {
	snap := &snapshot{
		employees: employees,
		byID:      make(map[string]int, len(employees)),
		byChatID:  make(map[int64]int, len(employees)),
	}
	for i := range employees {
		snap.byID[employees[i].ID] = i
		if employees[i].ChatID != 0 {
			snap.byChatID[employees[i].ChatID] = i
		}
	}
	return snap
}

// FindByID looks up an employee by stable id.
func (s *Service) FindByID(id string) (models.Employee, bool) {
	snap := s.snap.Load()
	idx, ok := snap.byID[id]
	return snap.lookup(idx, ok)
}

// FindByChatID looks up an employee by chat id.
func (s *Service) FindByChatID(chatID int64) (models.Employee, bool) {
	snap := s.snap.Load()
	idx, ok := snap.byChatID[chatID]
	return snap.lookup(idx, ok)
}

// All returns the employees in directory order.
func (s *Service) All() []models.Employee {
	snap := s.snap.Load()
	return append([]models.Employee(nil), snap.employees...)
}

// Count returns the number of loaded employees.
func (s *Service) Count() int {
	return len(s.snap.Load().employees)
}

// RegisterChatID persists an employee's chat id and republishes the snapshot
// with the new mapping. Registering an unknown employee id is a no-op.
func (s *Service) RegisterChatID(ctx context.Context, employeeID string, chatID int64) error {
	snap := s.snap.Load()
	idx, ok := snap.byID[employeeID]
	if !ok {
		slog.Warn("Directory RegisterChatID for unknown employee", "employee", employeeID)
		return nil
	}
	if snap.employees[idx].ChatID == chatID {
		return nil
	}

	if err := s.kv.Set(ctx, store.EmployeeChatIDKey(employeeID), strconv.FormatInt(chatID, 10), 0); err != nil {
		return fmt.Errorf("persist chat id for %s: %w", employeeID, err)
	}

	// Copy-on-write: readers keep seeing a consistent snapshot.
	employees := append([]models.Employee(nil), snap.employees...)
	employees[idx].ChatID = chatID
	s.snap.Store(buildSnapshot(employees))
	slog.Info("Directory registered chat id", "employee", employeeID, "chat_id", chatID)
	return nil
}
