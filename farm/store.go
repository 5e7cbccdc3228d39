package farm

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/doubletwisted/comfyfarm/dbopen"
	"github.com/doubletwisted/comfyfarm/idgen"
	"github.com/doubletwisted/comfyfarm/plan"
	"github.com/doubletwisted/comfyfarm/workflow"
)

// Schema for the farm job store.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	pool         TEXT NOT NULL DEFAULT '',
	grp          TEXT NOT NULL DEFAULT '',
	department   TEXT NOT NULL DEFAULT '',
	comment      TEXT NOT NULL DEFAULT '',
	output_dir   TEXT NOT NULL DEFAULT '',
	batch_count  INTEGER NOT NULL,
	chunk_size   INTEGER NOT NULL,
	vary_seeds   INTEGER NOT NULL DEFAULT 0,
	skip_local   INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	job_id        TEXT NOT NULL REFERENCES jobs(job_id),
	seq           INTEGER NOT NULL,
	item_start    INTEGER NOT NULL,
	item_count    INTEGER NOT NULL,
	workflow_json TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	progress      REAL NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	failure_kind  TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	assignee      TEXT NOT NULL DEFAULT '',
	started_at    INTEGER,
	completed_at  INTEGER,
	PRIMARY KEY (job_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Store is an SQLite-backed farm job store. Submitters insert whole jobs,
// workers atomically claim single tasks and write progress back. One file
// can safely be shared between both sides (WAL + busy timeout via dbopen).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
}

var (
	_ Transport = (*Store)(nil)
	_ Reporter  = (*Store)(nil)
)

// Open opens (or creates) a store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("open farm store: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already-open database. The schema must be applied.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		newID:  idgen.Prefixed("job_", idgen.UUIDv7()),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Submit inserts the job and all its tasks in one transaction. Either the
// whole job lands or nothing does.
func (s *Store) Submit(ctx context.Context, jd *plan.JobDescriptor) (string, error) {
	jobID := s.newID()
	now := time.Now().Unix()

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, name, priority, pool, grp, department, comment,
				output_dir, batch_count, chunk_size, vary_seeds, skip_local, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, jobID, jd.Name, jd.Priority, jd.Pool, jd.Group, jd.Department, jd.Comment,
			jd.OutputDirectory, jd.BatchCount, jd.ChunkSize,
			boolInt(jd.VarySeeds), boolInt(jd.SkipLocalExecution), now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for _, t := range jd.Tasks {
			wf, err := t.Graph.Encode()
			if err != nil {
				return fmt.Errorf("encode task %d workflow: %w", t.Index, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (job_id, seq, item_start, item_count, workflow_json)
				VALUES (?, ?, ?, ?, ?)
			`, jobID, t.Index, t.ItemStart, t.ItemCount, string(wf))
			if err != nil {
				return fmt.Errorf("insert task %d: %w", t.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("job submitted",
		"job_id", jobID,
		"name", jd.Name,
		"tasks", len(jd.Tasks),
		"batch_count", jd.BatchCount)
	return jobID, nil
}

// ClaimedTask is one task handed to a worker, with the job-level settings
// the executor needs.
type ClaimedTask struct {
	JobID           string
	JobName         string
	OutputDirectory string
	VarySeeds       bool
	BatchCount      int
	ChunkSize       int
	Task            plan.TaskDescriptor
}

// ClaimTask atomically marks the oldest pending task running for the given
// worker and returns it. Returns (nil, nil) when nothing is pending.
func (s *Store) ClaimTask(ctx context.Context, worker string) (*ClaimedTask, error) {
	now := time.Now().Unix()
	var claimed *ClaimedTask

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var jobID string
		var seq, itemStart, itemCount int
		var wfJSON string
		err := tx.QueryRowContext(ctx, `
			SELECT t.job_id, t.seq, t.item_start, t.item_count, t.workflow_json
			FROM tasks t JOIN jobs j ON j.job_id = t.job_id
			WHERE t.status = 'pending'
			ORDER BY j.created_at ASC, t.seq ASC
			LIMIT 1
		`).Scan(&jobID, &seq, &itemStart, &itemCount, &wfJSON)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'running', assignee = ?, started_at = ?
			WHERE job_id = ? AND seq = ? AND status = 'pending'
		`, worker, now, jobID, seq)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker; caller just retries.
			return nil
		}

		var name, outputDir string
		var varySeeds, batchCount, chunkSize int
		err = tx.QueryRowContext(ctx, `
			SELECT name, output_dir, vary_seeds, batch_count, chunk_size
			FROM jobs WHERE job_id = ?
		`, jobID).Scan(&name, &outputDir, &varySeeds, &batchCount, &chunkSize)
		if err != nil {
			return fmt.Errorf("read job %s: %w", jobID, err)
		}

		g, err := workflow.Decode([]byte(wfJSON))
		if err != nil {
			return fmt.Errorf("decode task workflow: %w", err)
		}

		claimed = &ClaimedTask{
			JobID:           jobID,
			JobName:         name,
			OutputDirectory: outputDir,
			VarySeeds:       varySeeds != 0,
			BatchCount:      batchCount,
			ChunkSize:       chunkSize,
			Task: plan.TaskDescriptor{
				Index:     seq,
				Graph:     g,
				ItemStart: itemStart,
				ItemCount: itemCount,
				VarySeeds: varySeeds != 0,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReportProgress persists a task's job-global progress percentage.
func (s *Store) ReportProgress(ctx context.Context, jobID string, taskIndex int, progress float64, message string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE tasks SET progress = ?, message = ?
		WHERE job_id = ? AND seq = ?
	`, progress, message, jobID, taskIndex)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}

// ReportOutcome records a task's terminal outcome. A succeeded task is
// pinned to 100% progress.
func (s *Store) ReportOutcome(ctx context.Context, jobID string, taskIndex int, res TaskResult) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("report outcome: status %q is not terminal", res.Status)
	}
	now := time.Now().Unix()
	query := `
		UPDATE tasks SET status = ?, failure_kind = ?, detail = ?, completed_at = ?
		WHERE job_id = ? AND seq = ?
	`
	if res.Status == TaskSucceeded {
		query = `
		UPDATE tasks SET status = ?, failure_kind = ?, detail = ?, completed_at = ?, progress = 100
		WHERE job_id = ? AND seq = ?
	`
	}
	_, err := dbopen.Exec(ctx, s.db, query,
		string(res.Status), res.FailureKind, res.Detail, now, jobID, taskIndex)
	if err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}

	s.logger.Info("task outcome recorded",
		"job_id", jobID,
		"task", taskIndex,
		"status", res.Status,
		"failure_kind", res.FailureKind)
	return nil
}

// TaskRow is one task as stored, for status display.
type TaskRow struct {
	Seq         int
	ItemStart   int
	ItemCount   int
	Status      TaskStatus
	Progress    float64
	Message     string
	FailureKind string
	Detail      string
	Assignee    string
}

// JobTasks returns all tasks of a job in sequence order.
func (s *Store) JobTasks(ctx context.Context, jobID string) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, item_start, item_count, status, progress, message,
			failure_kind, detail, assignee
		FROM tasks WHERE job_id = ? ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("job tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var status string
		if err := rows.Scan(&t.Seq, &t.ItemStart, &t.ItemCount, &status, &t.Progress,
			&t.Message, &t.FailureKind, &t.Detail, &t.Assignee); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// JobProgress returns the mean progress over a job's tasks, in [0,100].
func (s *Store) JobProgress(ctx context.Context, jobID string) (float64, error) {
	var p sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(progress) FROM tasks WHERE job_id = ?
	`, jobID).Scan(&p)
	if err != nil {
		return 0, fmt.Errorf("job progress: %w", err)
	}
	if !p.Valid {
		return 0, fmt.Errorf("job progress: no such job %q", jobID)
	}
	return p.Float64, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
