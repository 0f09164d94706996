package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/domain"
)

const postgresSchema = `
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
  status TEXT NOT NULL DEFAULT 'online' CHECK (status IN ('online','offline')),
  ip_address TEXT NOT NULL DEFAULT '',
  hostname TEXT NOT NULL DEFAULT '',
  system_info JSONB NOT NULL DEFAULT '{}',
  system_stats JSONB NOT NULL DEFAULT '{}',
  last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
  current_task_id TEXT
);
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  task_type TEXT NOT NULL,
  account_id TEXT NOT NULL,
  recipient_name TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending'
    CHECK (status IN ('pending','processing','retry','completed','failed')),
  retry_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  result JSONB,
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, created_at);
CREATE TABLE IF NOT EXISTS execution_logs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  worker_id TEXT,
  action TEXT NOT NULL,
  error_message TEXT,
  details JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_execution_logs_task ON execution_logs(task_id, created_at);
`

// PostgresRepo is the shared task store used when several workers poll the
// same backend.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url. When the URL carries no password, key is
// used as the connection password.
func OpenPostgres(ctx context.Context, url, key string) (*PostgresRepo, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if cfg.ConnConfig.Password == "" {
		cfg.ConnConfig.Password = key
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}
	r := &PostgresRepo{pool: pool}
	if err := r.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Close() error {
	r.pool.Close()
	return nil
}

const pgTaskColumns = `id,task_type,account_id,recipient_name,message,status,retry_count,error_message,result,worker_id,created_at,started_at,completed_at`

func scanPGTask(row pgx.Row) (domain.Task, error) {
	var (
		t              domain.Task
		status         string
		errMsg, worker *string
		result         []byte
	)
	if err := row.Scan(&t.ID, &t.Type, &t.AccountID, &t.RecipientName, &t.Message, &status, &t.RetryCount,
		&errMsg, &result, &worker, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	if worker != nil {
		t.WorkerID = *worker
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return t, nil
}

func (r *PostgresRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
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
	_, err := r.pool.Exec(ctx, `
INSERT INTO tasks (id,task_type,account_id,recipient_name,message,status,retry_count,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, t.Type, t.AccountID, t.RecipientName, t.Message, string(t.Status), t.RetryCount, t.CreatedAt.UTC())
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return id, nil
}

func (r *PostgresRepo) CreateAccount(ctx context.Context, a domain.Account) (string, error) {
	id := a.ID
	if id == "" {
		id = "acc_" + uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO facebook_accounts (id,email,encrypted_password,display_name) VALUES ($1,$2,$3,$4)`,
		id, a.Email, a.EncryptedPassword, a.DisplayName)
	if err != nil {
		return "", unavailable("create account", err)
	}
	return id, nil
}

func (r *PostgresRepo) FetchClaimable(ctx context.Context, max int) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+pgTaskColumns+`
FROM tasks
WHERE status IN ('pending','retry')
ORDER BY created_at ASC, id ASC
LIMIT $1`, max)
	if err != nil {
		return nil, unavailable("fetch claimable", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanPGTask(rows)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, unavailable("fetch claimable", rows.Err())
}

func (r *PostgresRepo) Claim(ctx context.Context, taskID, workerID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE tasks SET status='processing', started_at=now(), worker_id=$2
WHERE id=$1 AND status IN ('pending','retry')`, taskID, workerID)
	if err != nil {
		return false, unavailable("claim", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE tasks SET status='completed', completed_at=now(), result=$2
WHERE id=$1 AND status='processing'`, taskID, []byte(result))
	return checkTag("complete", taskID, tag, err)
}

func (r *PostgresRepo) Fail(ctx context.Context, taskID, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE tasks
SET status='failed', retry_count=retry_count+1, error_message=$2, result=$3, completed_at=now()
WHERE id=$1 AND status='processing'`, taskID, errMsg, []byte(failureResult(errMsg)))
	return checkTag("fail", taskID, tag, err)
}

func checkTag(op, taskID string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s task %s: %w (not processing)", op, taskID, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepo) FailOrphaned(ctx context.Context, workerID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE tasks
SET status='failed', retry_count=retry_count+1, error_message=$2, result=$3, completed_at=now()
WHERE worker_id=$1 AND status='processing'`,
		workerID, orphanedMessage, []byte(failureResult(orphanedMessage)))
	if err != nil {
		return 0, unavailable("fail orphaned", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepo) Get(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanPGTask(r.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id=$1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, unavailable("get task", err)
	}
	return t, nil
}

func (r *PostgresRepo) AppendLog(ctx context.Context, e domain.ExecutionLog) error {
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
	_, err = r.pool.Exec(ctx, `
INSERT INTO execution_logs (id,task_id,worker_id,action,error_message,details,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.TaskID, nullable(e.WorkerID), e.Action, nullable(e.Error), details, e.CreatedAt.UTC())
	return unavailable("append log", err)
}

func (r *PostgresRepo) Logs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id,task_id,worker_id,action,error_message,details,created_at
FROM execution_logs WHERE task_id=$1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, unavailable("list logs", err)
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var (
			e              domain.ExecutionLog
			worker, errMsg *string
			details        []byte
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &worker, &e.Action, &errMsg, &details, &e.CreatedAt); err != nil {
			return nil, unavailable("scan log", err)
		}
		if worker != nil {
			e.WorkerID = *worker
		}
		if errMsg != nil {
			e.Error = *errMsg
		}
		e.Details = unmarshalMap(details)
		logs = append(logs, e)
	}
	return logs, unavailable("list logs", rows.Err())
}

func (r *PostgresRepo) UpsertWorker(ctx context.Context, reg domain.WorkerRegistration) (string, error) {
	info, err := marshalMap(reg.SystemInfo)
	if err != nil {
		return "", fmt.Errorf("encode system info: %w", err)
	}
	if reg.Status == "" {
		reg.Status = domain.WorkerOnline
	}
	var id string
	err = r.pool.QueryRow(ctx, `
INSERT INTO worker_connections (id,worker_name,worker_type,status,ip_address,hostname,system_info,last_heartbeat)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (worker_name) DO UPDATE SET
  worker_type=EXCLUDED.worker_type,
  status=EXCLUDED.status,
  ip_address=EXCLUDED.ip_address,
  hostname=EXCLUDED.hostname,
  system_info=EXCLUDED.system_info,
  last_heartbeat=GREATEST(worker_connections.last_heartbeat, EXCLUDED.last_heartbeat),
  current_task_id=NULL
RETURNING id`,
		"wrk_"+uuid.NewString(), reg.Name, reg.Type, string(reg.Status), reg.IPAddress, reg.Hostname, info).Scan(&id)
	if err != nil {
		return "", unavailable("upsert worker", err)
	}
	return id, nil
}

func (r *PostgresRepo) Heartbeat(ctx context.Context, workerID string, stats domain.SystemStats, currentTaskID string) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE worker_connections
SET last_heartbeat=GREATEST(last_heartbeat, now()), system_stats=$2, current_task_id=$3, status='online'
WHERE id=$1`, workerID, raw, nullable(currentTaskID))
	return checkWorkerTag("heartbeat", workerID, tag, err)
}

func (r *PostgresRepo) MarkOffline(ctx context.Context, workerID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE worker_connections
SET status='offline', last_heartbeat=GREATEST(last_heartbeat, now()), current_task_id=NULL
WHERE id=$1`, workerID)
	return checkWorkerTag("mark offline", workerID, tag, err)
}

func checkWorkerTag(op, workerID string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s worker %s: %w", op, workerID, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepo) FetchAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var a domain.Account
	err := r.pool.QueryRow(ctx, `
SELECT id,email,encrypted_password,display_name FROM facebook_accounts WHERE id=$1`, accountID).Scan(
		&a.ID, &a.Email, &a.EncryptedPassword, &a.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, unavailable("fetch account", err)
	}
	return a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
