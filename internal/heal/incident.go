package heal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/trikernel/orchestrator/internal/store"
)

// IncidentReport captures a task's failure context for post-mortem,
// adapted from the teacher's incident.CaptureIncident (state + agent +
// timeline events + jobs) to this domain's task + worker + event trail.
// A supplemental feature not in the distilled spec but present in the
// teacher's incident management phase — useful for post-mortem without
// being a human-facing dashboard.
type IncidentReport struct {
	TaskID     string        `json:"task_id"`
	Task       *store.Task   `json:"task"`
	Worker     *store.Worker `json:"worker,omitempty"`
	Events     []*store.Event `json:"events"`
	HealthAtCapture *Snapshot `json:"health_at_capture,omitempty"`
	CapturedAt time.Time     `json:"captured_at"`
}

// CaptureIncident gathers the task, its assigned worker (if any), its event
// trail, and the most recent health snapshot, then writes the report as a
// JSON file under stateDir/incidents/. It runs only when called; no
// transition into ESCALATED invokes it automatically.
func CaptureIncident(ctx context.Context, db *store.DB, stateDir, taskID string) (*IncidentReport, error) {
	task, err := db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var worker *store.Worker
	if task.WorkerID != "" {
		w, err := db.GetWorker(ctx, task.WorkerID)
		if err == nil {
			worker = w
		} else if err != store.ErrNotFound {
			return nil, err
		}
	}

	events, err := db.EventsForAggregate(ctx, "task", taskID)
	if err != nil {
		return nil, err
	}

	report := &IncidentReport{
		TaskID:     taskID,
		Task:       task,
		Worker:     worker,
		Events:     events,
		CapturedAt: time.Now(),
	}

	overall, payload, err := db.LatestHealthStatus(ctx)
	if err == nil {
		var snap Snapshot
		if jsonErr := json.Unmarshal([]byte(payload), &snap); jsonErr == nil {
			report.HealthAtCapture = &snap
		}
		_ = overall
	} else if err != store.ErrNotFound {
		return nil, err
	}

	if stateDir == "" {
		return report, nil
	}
	dir := filepath.Join(stateDir, "incidents")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return report, err
	}
	payloadBytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	path := filepath.Join(dir, taskID+"-"+report.CapturedAt.UTC().Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, payloadBytes, 0o600); err != nil {
		return report, err
	}
	return report, nil
}
