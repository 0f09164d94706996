package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"courier/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS facebook_accounts (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  encrypted_password TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS worker_connections (
  id TEXT PRIMARY KEY,
  worker_name TEXT NOT NULL UNIQUE,
  worker_type TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('online','offline')) DEFAULT 'online',
  ip_address TEXT NOT NULL DEFAULT '',
  hostname TEXT NOT NULL DEFAULT '',
  system_info TEXT NOT NULL DEFAULT '{}',
  system_stats TEXT NOT NULL DEFAULT '{}',
  last_heartbeat TEXT NOT NULL,
  current_task_id TEXT
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  task_type TEXT NOT NULL,
  account_id TEXT NOT NULL,
  recipient_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','processing','retry','completed','failed')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  result TEXT,
  worker_id TEXT,
  created_at TEXT NOT NULL,
  started_at TEXT,
  completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, created_at);
CREATE TABLE IF NOT EXISTS execution_logs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  worker_id TEXT,
  action TEXT NOT NULL,
  error_message TEXT,
  details TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id, created_at);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteRepo is the single-host task store.
type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

// OpenSQLite opens (creating if needed) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping sqlite", err)
	}
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return NewSQLiteRepo(db), nil
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func (r *SQLiteRepo) Close() error { return r.db.Close() }

const sqliteTaskColumns = `id,task_type,account_id,recipient_name,message,status,retry_count,error_message,result,worker_id,created_at,started_at,completed_at`

func scanSQLiteTask(scan func(dest ...any) error) (domain.Task, error) {
	var (
		t                      domain.Task
		status, createdAt      string
		errMsg, result, worker sql.NullString
		startedAt, completedAt sql.NullString
	)
	if err := scan(&t.ID, &t.Type, &t.AccountID, &t.RecipientName, &t.Message, &status, &t.RetryCount,
		&errMsg, &result, &worker, &createdAt, &startedAt, &completedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.ErrorMessage = errMsg.String
	t.WorkerID = worker.String
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func (r *SQLiteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,task_type,account_id,recipient_name,message,status,retry_count,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		id, t.Type, t.AccountID, t.RecipientName, t.Message, string(t.Status), t.RetryCount, formatTime(t.CreatedAt))
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return id, nil
}

func (r *SQLiteRepo) CreateAccount(ctx context.Context, a domain.Account) (string, error) {
	id := a.ID
	if id == "" {
		id = "acc_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO facebook_accounts (id,email,encrypted_password,display_name) VALUES (?,?,?,?)`,
		id, a.Email, a.EncryptedPassword, a.DisplayName)
	if err != nil {
		return "", unavailable("create account", err)
	}
	return id, nil
}

func (r *SQLiteRepo) FetchClaimable(ctx context.Context, max int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sqliteTaskColumns+`
FROM tasks
WHERE status IN ('pending','retry')
ORDER BY created_at ASC, id ASC
LIMIT ?`, max)
	if err != nil {
		return nil, unavailable("fetch claimable", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows.Scan)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, unavailable("fetch claimable", rows.Err())
}

func (r *SQLiteRepo) Claim(ctx context.Context, taskID, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='processing', started_at=?, worker_id=?
WHERE id=? AND status IN ('pending','retry')`, formatTime(time.Now()), workerID, taskID)
	if err != nil {
		return false, unavailable("claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepo) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='completed', completed_at=?, result=?
WHERE id=? AND status='processing'`, formatTime(time.Now()), string(result), taskID)
	return r.checkTransition("complete", taskID, res, err)
}

func (r *SQLiteRepo) Fail(ctx context.Context, taskID, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status='failed', retry_count=retry_count+1, error_message=?, result=?, completed_at=?
WHERE id=? AND status='processing'`, errMsg, string(failureResult(errMsg)), formatTime(time.Now()), taskID)
	return r.checkTransition("fail", taskID, res, err)
}

func (r *SQLiteRepo) checkTransition(op, taskID string, res sql.Result, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s task %s: %w (not processing)", op, taskID, domain.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) FailOrphaned(ctx context.Context, workerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status='failed', retry_count=retry_count+1, error_message=?, result=?, completed_at=?
WHERE worker_id=? AND status='processing'`,
		orphanedMessage, string(failureResult(orphanedMessage)), formatTime(time.Now()), workerID)
	if err != nil {
		return 0, unavailable("fail orphaned", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) Get(ctx context.Context, taskID string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id=?`, taskID)
	t, err := scanSQLiteTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, unavailable("get task", err)
	}
	return t, nil
}

func (r *SQLiteRepo) AppendLog(ctx context.Context, e domain.ExecutionLog) error {
	details, err := marshalMap(e.Details)
	if err != nil {
		return fmt.Errorf("encode log details: %w", err)
	}
	if e.ID == "" {
		e.ID = "log_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO execution_logs (id,task_id,worker_id,action,error_message,details,created_at)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, nullString(e.WorkerID), e.Action, nullString(e.Error), string(details), formatTime(e.CreatedAt))
	return unavailable("append log", err)
}

func (r *SQLiteRepo) Logs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,worker_id,action,error_message,details,created_at
FROM execution_logs WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, unavailable("list logs", err)
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var (
			e                  domain.ExecutionLog
			worker, errMsg     sql.NullString
			details, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &worker, &e.Action, &errMsg, &details, &createdAt); err != nil {
			return nil, unavailable("scan log", err)
		}
		e.WorkerID = worker.String
		e.Error = errMsg.String
		e.Details = unmarshalMap([]byte(details))
		e.CreatedAt, _ = parseTime(createdAt)
		logs = append(logs, e)
	}
	return logs, unavailable("list logs", rows.Err())
}

func (r *SQLiteRepo) UpsertWorker(ctx context.Context, reg domain.WorkerRegistration) (string, error) {
	info, err := marshalMap(reg.SystemInfo)
	if err != nil {
		return "", fmt.Errorf("encode system info: %w", err)
	}
	if reg.Status == "" {
		reg.Status = domain.WorkerOnline
	}
	var id string
	err = r.db.QueryRowContext(ctx, `
INSERT INTO worker_connections (id,worker_name,worker_type,status,ip_address,hostname,system_info,last_heartbeat)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(worker_name) DO UPDATE SET
  worker_type=excluded.worker_type,
  status=excluded.status,
  ip_address=excluded.ip_address,
  hostname=excluded.hostname,
  system_info=excluded.system_info,
  last_heartbeat=MAX(worker_connections.last_heartbeat, excluded.last_heartbeat),
  current_task_id=NULL
RETURNING id`,
		"wrk_"+uuid.NewString(), reg.Name, reg.Type, string(reg.Status), reg.IPAddress, reg.Hostname,
		string(info), formatTime(time.Now())).Scan(&id)
	if err != nil {
		return "", unavailable("upsert worker", err)
	}
	return id, nil
}

func (r *SQLiteRepo) Heartbeat(ctx context.Context, workerID string, stats domain.SystemStats, currentTaskID string) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_connections
SET last_heartbeat=MAX(last_heartbeat, ?), system_stats=?, current_task_id=?, status='online'
WHERE id=?`, formatTime(time.Now()), string(raw), nullString(currentTaskID), workerID)
	return r.checkWorker("heartbeat", workerID, res, err)
}

func (r *SQLiteRepo) MarkOffline(ctx context.Context, workerID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE worker_connections
SET status='offline', last_heartbeat=MAX(last_heartbeat, ?), current_task_id=NULL
WHERE id=?`, formatTime(time.Now()), workerID)
	return r.checkWorker("mark offline", workerID, res, err)
}

func (r *SQLiteRepo) checkWorker(op, workerID string, res sql.Result, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s worker %s: %w", op, workerID, domain.ErrNotFound)
	}
	return nil
}

// Worker loads a registration row by id.
func (r *SQLiteRepo) Worker(ctx context.Context, workerID string) (domain.WorkerRegistration, error) {
	var (
		w             domain.WorkerRegistration
		status, info  string
		lastHB        string
		currentTaskID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id,worker_name,worker_type,status,ip_address,hostname,system_info,last_heartbeat,current_task_id
FROM worker_connections WHERE id=?`, workerID).Scan(
		&w.ID, &w.Name, &w.Type, &status, &w.IPAddress, &w.Hostname, &info, &lastHB, &currentTaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkerRegistration{}, fmt.Errorf("worker %s: %w", workerID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WorkerRegistration{}, unavailable("get worker", err)
	}
	w.Status = domain.WorkerStatus(status)
	w.SystemInfo = unmarshalMap([]byte(info))
	w.LastHeartbeat, _ = parseTime(lastHB)
	w.CurrentTaskID = currentTaskID.String
	return w, nil
}

func (r *SQLiteRepo) FetchAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var a domain.Account
	err := r.db.QueryRowContext(ctx, `
SELECT id,email,encrypted_password,display_name FROM facebook_accounts WHERE id=?`, accountID).Scan(
		&a.ID, &a.Email, &a.EncryptedPassword, &a.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, unavailable("fetch account", err)
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
