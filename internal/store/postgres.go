package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGStore implements Store on PostgreSQL via database/sql.
type PGStore struct {
	db *sql.DB
}

// NewPGStore opens a connection pool and verifies connectivity.
func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) AuthenticateUser(ctx context.Context, email, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, first_name, last_name, email, subscription_id, is_active
		  FROM users
		 WHERE email = $1 AND token = $2 AND is_active = TRUE
	`, email, token)

	var u User
	if err := row.Scan(&u.UserID, &u.FirstName, &u.LastName, &u.Email, &u.SubscriptionID, &u.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) GetSubscription(ctx context.Context, subscriptionID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscription_id, queue_limit
		  FROM subscriptions
		 WHERE subscription_id = $1
	`, subscriptionID)

	var sub Subscription
	if err := row.Scan(&sub.SubscriptionID, &sub.QueueLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *PGStore) GetEngine(ctx context.Context, engineID int64) (*Engine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT engine_id, name, extension, download_path, render_argument
		  FROM engines
		 WHERE engine_id = $1
	`, engineID)

	var e Engine
	if err := row.Scan(&e.EngineID, &e.Name, &e.Extension, &e.DownloadPath, &e.RenderArgument); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) GetArgType(ctx context.Context, argTypeID string) (*ArgType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT argtype_id, type, COALESCE(regex, '')
		  FROM argtypes
		 WHERE argtype_id = $1
	`, argTypeID)

	var a ArgType
	if err := row.Scan(&a.ArgTypeID, &a.Type, &a.Regex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PGStore) CreateRenderTask(ctx context.Context, render *Render, userID int64, queueTime time.Time) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO renders (file_name, file_path, file_size, arguments, engine_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING render_id
	`, render.FileName, render.FilePath, render.FileSize, render.Arguments, render.EngineID).Scan(&render.RenderID)
	if err != nil {
		return nil, err
	}

	task := &Task{
		UserID:    userID,
		QueueTime: queueTime,
		RenderID:  render.RenderID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tasks (user_id, queue_time, start_time, end_time, is_running, is_success, render_id, machine_id)
		VALUES ($1, $2, NULL, NULL, FALSE, FALSE, $3, NULL)
		RETURNING task_id
	`, userID, queueTime, render.RenderID).Scan(&task.TaskID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO queue (task_id) VALUES ($1)`, task.TaskID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

const taskDetailColumns = `
	t.task_id, t.user_id, t.queue_time, t.start_time, t.end_time,
	t.is_running, t.is_success, t.render_id, t.machine_id,
	r.render_id, r.file_name, r.file_path, r.file_size, r.arguments, r.engine_id,
	e.engine_id, e.name, e.extension, e.download_path, e.render_argument`

func scanTaskDetail(rows *sql.Rows) (TaskDetail, error) {
	var (
		d         TaskDetail
		startTime sql.NullTime
		endTime   sql.NullTime
		machineID sql.NullInt64
	)
	err := rows.Scan(
		&d.Task.TaskID, &d.Task.UserID, &d.Task.QueueTime, &startTime, &endTime,
		&d.Task.IsRunning, &d.Task.IsSuccess, &d.Task.RenderID, &machineID,
		&d.Render.RenderID, &d.Render.FileName, &d.Render.FilePath, &d.Render.FileSize, &d.Render.Arguments, &d.Render.EngineID,
		&d.Engine.EngineID, &d.Engine.Name, &d.Engine.Extension, &d.Engine.DownloadPath, &d.Engine.RenderArgument,
	)
	if err != nil {
		return d, err
	}
	if startTime.Valid {
		d.Task.StartTime = &startTime.Time
	}
	if endTime.Valid {
		d.Task.EndTime = &endTime.Time
	}
	if machineID.Valid {
		d.Task.MachineID = &machineID.Int64
	}
	return d, nil
}

func (s *PGStore) ListUserTasks(ctx context.Context, userID int64) ([]TaskDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskDetailColumns+`
		  FROM tasks t
		  JOIN renders r ON t.render_id = r.render_id
		  JOIN engines e ON r.engine_id = e.engine_id
		 WHERE t.user_id = $1
		 ORDER BY t.queue_time DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskDetail
	for rows.Next() {
		d, err := scanTaskDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) ListUnsettledTasks(ctx context.Context) ([]TaskDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskDetailColumns+`
		  FROM tasks t
		  JOIN queue q ON t.task_id = q.task_id
		  JOIN renders r ON t.render_id = r.render_id
		  JOIN engines e ON r.engine_id = e.engine_id
		 WHERE t.is_success = FALSE
		 ORDER BY t.queue_time ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskDetail
	for rows.Next() {
		d, err := scanTaskDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) CountQueuedTasks(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		  FROM tasks t
		  JOIN queue q ON t.task_id = q.task_id
		 WHERE t.user_id = $1
	`, userID).Scan(&count)
	return count, err
}

func (s *PGStore) GetOwnedTask(ctx context.Context, taskID, userID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, queue_time, start_time, end_time,
		       is_running, is_success, render_id, machine_id
		  FROM tasks
		 WHERE task_id = $1 AND user_id = $2
	`, taskID, userID)

	var (
		t         Task
		startTime sql.NullTime
		endTime   sql.NullTime
		machineID sql.NullInt64
	)
	err := row.Scan(&t.TaskID, &t.UserID, &t.QueueTime, &startTime, &endTime,
		&t.IsRunning, &t.IsSuccess, &t.RenderID, &machineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if startTime.Valid {
		t.StartTime = &startTime.Time
	}
	if endTime.Valid {
		t.EndTime = &endTime.Time
	}
	if machineID.Valid {
		t.MachineID = &machineID.Int64
	}
	return &t, nil
}

func (s *PGStore) GetRender(ctx context.Context, renderID int64) (*Render, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT render_id, file_name, file_path, file_size, arguments, engine_id
		  FROM renders
		 WHERE render_id = $1
	`, renderID)

	var r Render
	if err := row.Scan(&r.RenderID, &r.FileName, &r.FilePath, &r.FileSize, &r.Arguments, &r.EngineID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) IsQueued(ctx context.Context, taskID int64) (bool, error) {
	var queued bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue WHERE task_id = $1)
	`, taskID).Scan(&queued)
	return queued, err
}

func (s *PGStore) RemoveFromQueue(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE task_id = $1`, taskID)
	return err
}

func (s *PGStore) ListMachines(ctx context.Context) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, ip_address, port
		  FROM machines
		 ORDER BY machine_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.MachineID, &m.IPAddress, &m.Port); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) GetMachine(ctx context.Context, machineID int64) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT machine_id, ip_address, port
		  FROM machines
		 WHERE machine_id = $1
	`, machineID)

	var m Machine
	if err := row.Scan(&m.MachineID, &m.IPAddress, &m.Port); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ClaimTask performs the Queued -> Running transition as a single conditional
// UPDATE. The WHERE clause is the exclusivity guarantee: a second claimant
// matches zero rows, and so does a claim racing a dequeue that already
// removed the queue row.
func (s *PGStore) ClaimTask(ctx context.Context, taskID, machineID int64, startTime time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		   SET machine_id = $2, start_time = $3, is_running = TRUE
		 WHERE task_id = $1
		   AND machine_id IS NULL
		   AND is_running = FALSE
		   AND EXISTS (SELECT 1 FROM queue q WHERE q.task_id = tasks.task_id)
	`, taskID, machineID, startTime)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) CompleteTask(ctx context.Context, taskID int64, endTime time.Time) error {
	return s.settleTask(ctx, taskID, `
		UPDATE tasks
		   SET end_time = $2, is_running = FALSE, is_success = TRUE
		 WHERE task_id = $1
	`, taskID, endTime)
}

func (s *PGStore) FailTask(ctx context.Context, taskID, machineID int64, endTime time.Time) error {
	return s.settleTask(ctx, taskID, `
		UPDATE tasks
		   SET end_time = $2, is_running = FALSE, is_success = FALSE, machine_id = $3
		 WHERE task_id = $1
	`, taskID, endTime, machineID)
}

// settleTask applies the terminal update and the queue removal atomically.
func (s *PGStore) settleTask(ctx context.Context, taskID int64, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) DeleteTask(ctx context.Context, taskID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) DeleteRender(ctx context.Context, renderID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM renders WHERE render_id = $1`, renderID)
	return err
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PGStore)(nil)
