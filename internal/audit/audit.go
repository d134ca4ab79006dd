package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/opspipe/internal/shared"
)

// Entry is one line of the append-only JSONL trail. It mirrors the database
// audit_log rows so a wiped database still leaves an offline change history.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"task_id"`
	Action    string `json:"action"`
	OldValues string `json:"old_values,omitempty"`
	NewValues string `json:"new_values,omitempty"`
	ChangedBy string `json:"changed_by"`
	Role      string `json:"role,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	recordCount atomic.Int64
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

// RecordCount returns the number of entries written since startup.
func RecordCount() int64 {
	return recordCount.Load()
}

// Record appends one entry. Best-effort: a closed or unconfigured file drops
// the entry silently, never failing the mutation that produced it.
func Record(e Entry) {
	// Contact details never reach the offline trail.
	e.OldValues = shared.Redact(e.OldValues)
	e.NewValues = shared.Redact(e.NewValues)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err != nil {
		return
	}
	recordCount.Add(1)
}
