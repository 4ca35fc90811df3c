// Package audit appends one JSONL line per completed task to
// logs/audit.jsonl under the data directory. The trail is separate from
// the runtime log so lineage history survives log rotation and level
// filtering.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id,omitempty"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the total number of failed tasks since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends one audit line. A no-op before Init.
func Record(taskID, runID, mode, status, errMsg string) {
	if status == "failed" {
		failCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		RunID:     runID,
		Mode:      mode,
		Status:    status,
		Error:     errMsg,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
