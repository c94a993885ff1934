package actions

import (
	"time"

	"github.com/R3E-Network/insight_runtime/internal/engine/events"
)

// RunStatus is the status of the latest execution of a category.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// ActionStatus is the status of a single action within a run.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionStarted   ActionStatus = "started"
	ActionCompleted ActionStatus = "completed"
	ActionError     ActionStatus = "error"
)

// ActionProgress tracks one action of a run.
type ActionProgress struct {
	Action    string       `json:"action"`
	Status    ActionStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Progress tracks the latest run of a category.
type Progress struct {
	ID               string           `json:"id"`
	Category         events.Category  `json:"category"`
	Status           RunStatus        `json:"status"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time,omitempty"`
	Error            string           `json:"error,omitempty"`
	TotalActions     int              `json:"total_actions"`
	CompletedActions int              `json:"completed_actions"`
	CurrentAction    string           `json:"current_action,omitempty"`
	Actions          []ActionProgress `json:"actions"`
}

func (p Progress) clone() Progress {
	p.Actions = append([]ActionProgress(nil), p.Actions...)
	return p
}

// ProgressMap is the published progress of every category that ran.
type ProgressMap map[events.Category]Progress

func (m ProgressMap) with(category events.Category, p Progress) ProgressMap {
	next := make(ProgressMap, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	next[category] = p
	return next
}

func (d *Dispatcher) startProgress(id string, category events.Category, actions []Action) {
	now := time.Now()
	p := Progress{
		ID:           id,
		Category:     category,
		Status:       RunRunning,
		StartTime:    now,
		TotalActions: len(actions),
		Actions:      make([]ActionProgress, len(actions)),
	}
	for i, a := range actions {
		p.Actions[i] = ActionProgress{Action: a.Name(), Status: ActionPending, Timestamp: now}
	}
	d.progress.Update(func(m ProgressMap) ProgressMap { return m.with(category, p) })
}

func (d *Dispatcher) updateAction(id string, category events.Category, index int, status ActionStatus, err error) {
	d.progress.Update(func(m ProgressMap) ProgressMap {
		cur, ok := m[category]
		if !ok || cur.ID != id || index >= len(cur.Actions) {
			return m
		}
		p := cur.clone()
		ap := &p.Actions[index]
		ap.Status = status
		ap.Timestamp = time.Now()
		switch status {
		case ActionStarted:
			p.CurrentAction = ap.Action
		case ActionCompleted:
			p.CompletedActions++
		case ActionError:
			ap.Error = err.Error()
		}
		return m.with(category, p)
	})
}

func (d *Dispatcher) finishProgress(id string, category events.Category, err error) {
	d.progress.Update(func(m ProgressMap) ProgressMap {
		cur, ok := m[category]
		if !ok || cur.ID != id {
			return m
		}
		p := cur.clone()
		p.EndTime = time.Now()
		p.CurrentAction = ""
		if err != nil {
			p.Status = RunError
			p.Error = err.Error()
		} else {
			p.Status = RunCompleted
		}
		return m.with(category, p)
	})
}
