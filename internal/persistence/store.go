package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/opspipe/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "op-v1-2026-06-03-core-schema"

	// v2 adds origin_supplier/origin_address on workflow_steps, replacing the
	// old FROM-prefix convention in location_notes.
	schemaVersionV2  = 2
	schemaChecksumV2 = "op-v2-2026-07-19-transfer-origin"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Status is a task's primary pipeline stage. These strings are persisted in
// audit_log old/new value payloads; analytics correctness depends on them
// never changing across schema versions.
type Status string

const (
	StatusTodo          Status = "todo"
	StatusSupplierQuote Status = "supplier_quotes"
	StatusClientOK      Status = "client_approval"
	StatusAdminCostOK   Status = "admin_cost_approval"
	StatusQuotationBill Status = "quotation_bill"
	StatusProduction    Status = "production"
	StatusDone          Status = "done"

	// Side branches.
	StatusWithClient Status = "with_client"
	StatusMockup     Status = "mockup"
	StatusRejected   Status = "rejected"
)

// PipelineStages is the canonical ordered list of primary stages used by the
// stage-duration analytics.
var PipelineStages = []Status{
	StatusTodo,
	StatusSupplierQuote,
	StatusClientOK,
	StatusAdminCostOK,
	StatusQuotationBill,
	StatusProduction,
	StatusDone,
}

// KnownStatus reports whether s is any recognized status, side branches included.
func KnownStatus(s Status) bool {
	switch s {
	case StatusTodo, StatusSupplierQuote, StatusClientOK, StatusAdminCostOK,
		StatusQuotationBill, StatusProduction, StatusDone,
		StatusWithClient, StatusMockup, StatusRejected:
		return true
	}
	return false
}

// DesignState is the design-team overlay tracked orthogonally to Status.
// It replaces the old trio of independent booleans.
type DesignState string

const (
	DesignNone           DesignState = "none"
	DesignAwaitingMockup DesignState = "awaiting_mockup"
	DesignMockupDone     DesignState = "mockup_done"
	// DesignReturned marks a task handed back from the design team; routing
	// reads it to know the task already passed through design.
	DesignReturned DesignState = "returned"
)

// TaskType names the pipeline a task belongs to.
type TaskType string

const (
	TypeQuotation  TaskType = "quotation"
	TypeProduction TaskType = "production"
	TypeGeneral    TaskType = "general"
	TypeInvoice    TaskType = "invoice"
	TypeDesign     TaskType = "design"
)

type StepType string

const (
	StepCollect            StepType = "collect"
	StepDeliverToSupplier  StepType = "deliver_to_supplier"
	StepDeliverToClient    StepType = "deliver_to_client"
	StepSupplierToSupplier StepType = "supplier_to_supplier"
)

// KnownStepType reports whether t is a recognized transfer step kind.
func KnownStepType(t StepType) bool {
	switch t {
	case StepCollect, StepDeliverToSupplier, StepDeliverToClient, StepSupplierToSupplier:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
)

// Audit actions. Like statuses, these are stable strings matched against
// historical rows.
const (
	ActionCreated       = "created"
	ActionStatusChanged = "status_changed"
	ActionFlagsChanged  = "flags_changed"
	ActionDispatched    = "dispatched"
	ActionStepCompleted = "step_completed"
	ActionDeleted       = "deleted"
)

type Task struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Type            TaskType    `json:"type"`
	Status          Status      `json:"status"`
	PreviousStatus  Status      `json:"previous_status,omitempty"`
	StatusChangedAt *time.Time  `json:"status_changed_at,omitempty"`
	DesignState     DesignState `json:"design_state"`
	RemovedFromProd bool        `json:"removed_from_production"`
	CompletedByDsgn string      `json:"completed_by_designer,omitempty"`
	AssignedTo      string      `json:"assigned_to,omitempty"`
	CreatedBy       string      `json:"created_by"`
	ClientName      string      `json:"client_name,omitempty"`
	Supplier        string      `json:"supplier,omitempty"`
	Priority        int         `json:"priority"`
	DueDate         *time.Time  `json:"due_date,omitempty"`
	AdminRemarks    string      `json:"admin_remarks,omitempty"`
	DeliveryAddress string      `json:"delivery_address,omitempty"`
	DeliveryNotes   string      `json:"delivery_instructions,omitempty"`
	SiblingTaskID   string      `json:"sibling_task_id,omitempty"`
	ClonedFromID    string      `json:"cloned_from_task_id,omitempty"`
	DeletedAt       *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Deleted reports whether the task is soft-deleted.
func (t *Task) Deleted() bool { return t.DeletedAt != nil }

type WorkflowStep struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	StepOrder       int        `json:"step_order"`
	StepType        StepType   `json:"step_type"`
	SupplierName    string     `json:"supplier_name,omitempty"`
	LocationAddress string     `json:"location_address,omitempty"`
	LocationNotes   string     `json:"location_notes,omitempty"`
	OriginSupplier  string     `json:"origin_supplier,omitempty"`
	OriginAddress   string     `json:"origin_address,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	Status          StepStatus `json:"status"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CompletedBy     string     `json:"completed_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type ProductLine struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	WorkflowStepID string  `json:"workflow_step_id,omitempty"`
	ProductName    string  `json:"product_name"`
	Quantity       float64 `json:"quantity"`
	Unit           string  `json:"unit,omitempty"`
	SupplierName   string  `json:"supplier_name,omitempty"`
	EstimatedPrice float64 `json:"estimated_price"`
	ApprovalStatus string  `json:"approval_status"`
	Position       int     `json:"position"`
}

// AuditEntry is one immutable row of the task change log. old/new values are
// partial JSON snapshots; only the fields that changed appear.
type AuditEntry struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Action     string    `json:"action"`
	OldValues  string    `json:"old_values"`
	NewValues  string    `json:"new_values"`
	ChangedBy  string    `json:"changed_by"`
	Role       string    `json:"role,omitempty"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opspipe", "opspipe.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'general',
			status TEXT NOT NULL CHECK(status IN (
				'todo', 'supplier_quotes', 'client_approval', 'admin_cost_approval',
				'quotation_bill', 'production', 'done',
				'with_client', 'mockup', 'rejected')),
			previous_status TEXT,
			status_changed_at DATETIME,
			design_state TEXT NOT NULL DEFAULT 'none'
				CHECK(design_state IN ('none', 'awaiting_mockup', 'mockup_done', 'returned')),
			removed_from_production INTEGER NOT NULL DEFAULT 0,
			completed_by_designer TEXT,
			assigned_to TEXT,
			created_by TEXT NOT NULL,
			client_name TEXT,
			supplier TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			due_date DATETIME,
			admin_remarks TEXT,
			delivery_address TEXT,
			delivery_instructions TEXT,
			sibling_task_id TEXT,
			cloned_from_task_id TEXT,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			step_order INTEGER NOT NULL,
			step_type TEXT NOT NULL CHECK(step_type IN (
				'collect', 'deliver_to_supplier', 'deliver_to_client', 'supplier_to_supplier')),
			supplier_name TEXT,
			location_address TEXT,
			location_notes TEXT,
			origin_supplier TEXT,
			origin_address TEXT,
			due_date DATETIME,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'completed')),
			completed_at DATETIME,
			completed_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, step_order)
		);`,
		`CREATE TABLE IF NOT EXISTS product_lines (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			workflow_step_id TEXT REFERENCES workflow_steps(id) ON DELETE CASCADE,
			product_name TEXT NOT NULL,
			quantity REAL NOT NULL DEFAULT 0,
			unit TEXT,
			supplier_name TEXT,
			estimated_price REAL NOT NULL DEFAULT 0,
			approval_status TEXT NOT NULL DEFAULT 'pending',
			position INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			action TEXT NOT NULL,
			old_values TEXT NOT NULL DEFAULT '{}',
			new_values TEXT NOT NULL DEFAULT '{}',
			changed_by TEXT NOT NULL,
			role TEXT,
			device_info TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS achievements (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			badge TEXT NOT NULL,
			target INTEGER NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			earned_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, badge)
		);`,
		`CREATE TABLE IF NOT EXISTS activity_streaks (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			completed_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, day)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v1 -> v2 backfill: explicit transfer origin columns.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE workflow_steps ADD COLUMN origin_supplier TEXT;`, desc: "workflow_steps.origin_supplier"},
		{stmt: `ALTER TABLE workflow_steps ADD COLUMN origin_address TEXT;`, desc: "workflow_steps.origin_address"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		// One live operations twin per original task. The race between two
		// concurrent dispatches surfaces as a UNIQUE violation that callers
		// retry as an update.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_sibling_live
			ON tasks(sibling_task_id) WHERE sibling_task_id IS NOT NULL AND deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, deleted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to, deleted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_cloned_from ON tasks(cloned_from_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_task_order ON workflow_steps(task_id, step_order);`,
		`CREATE INDEX IF NOT EXISTS idx_products_task ON product_lines(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_products_step ON product_lines(workflow_step_id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_task_time ON audit_log(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action_time ON audit_log(action, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users(role, id);`,
		`CREATE INDEX IF NOT EXISTS idx_streaks_user_day ON activity_streaks(user_id, day);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		prevStatus      sql.NullString
		statusChangedAt sql.NullTime
		dueDate         sql.NullTime
		deletedAt       sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Type,
		&task.Status,
		&prevStatus,
		&statusChangedAt,
		&task.DesignState,
		&task.RemovedFromProd,
		&task.CompletedByDsgn,
		&task.AssignedTo,
		&task.CreatedBy,
		&task.ClientName,
		&task.Supplier,
		&task.Priority,
		&dueDate,
		&task.AdminRemarks,
		&task.DeliveryAddress,
		&task.DeliveryNotes,
		&task.SiblingTaskID,
		&task.ClonedFromID,
		&deletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if prevStatus.Valid {
		task.PreviousStatus = Status(prevStatus.String)
	}
	if statusChangedAt.Valid {
		t := statusChangedAt.Time
		task.StatusChangedAt = &t
	}
	if dueDate.Valid {
		t := dueDate.Time
		task.DueDate = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		task.DeletedAt = &t
	}
	return nil
}

// taskColumns is the SELECT list scanTask expects, in order.
const taskColumns = `
	id, title, type, status, previous_status, status_changed_at,
	design_state, removed_from_production, COALESCE(completed_by_designer, ''),
	COALESCE(assigned_to, ''), created_by, COALESCE(client_name, ''),
	COALESCE(supplier, ''), priority, due_date, COALESCE(admin_remarks, ''),
	COALESCE(delivery_address, ''), COALESCE(delivery_instructions, ''),
	COALESCE(sibling_task_id, ''), COALESCE(cloned_from_task_id, ''),
	deleted_at, created_at, updated_at`

func scanStep(scanFn func(dest ...any) error, step *WorkflowStep) error {
	var (
		dueDate     sql.NullTime
		completedAt sql.NullTime
	)
	if err := scanFn(
		&step.ID,
		&step.TaskID,
		&step.StepOrder,
		&step.StepType,
		&step.SupplierName,
		&step.LocationAddress,
		&step.LocationNotes,
		&step.OriginSupplier,
		&step.OriginAddress,
		&dueDate,
		&step.Status,
		&completedAt,
		&step.CompletedBy,
		&step.CreatedAt,
	); err != nil {
		return err
	}
	if dueDate.Valid {
		t := dueDate.Time
		step.DueDate = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		step.CompletedAt = &t
	}
	return nil
}

const stepColumns = `
	id, task_id, step_order, step_type, COALESCE(supplier_name, ''),
	COALESCE(location_address, ''), COALESCE(location_notes, ''),
	COALESCE(origin_supplier, ''), COALESCE(origin_address, ''),
	due_date, status, completed_at, COALESCE(completed_by, ''), created_at`
