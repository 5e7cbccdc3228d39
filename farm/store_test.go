package farm_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/doubletwisted/comfyfarm/dbopen"
	"github.com/doubletwisted/comfyfarm/farm"
	"github.com/doubletwisted/comfyfarm/plan"
	"github.com/doubletwisted/comfyfarm/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGraph(t *testing.T) workflow.Graph {
	t.Helper()
	g, err := workflow.Decode([]byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20}},
		"9": {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testStore(t *testing.T) *farm.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(farm.Schema))
	return farm.NewStore(db, testLogger())
}

func submitTestJob(t *testing.T, s *farm.Store, batch, chunk int) (string, *plan.JobDescriptor) {
	t.Helper()
	tasks, err := plan.Plan(testGraph(t), batch, chunk, false)
	if err != nil {
		t.Fatal(err)
	}
	jd, err := plan.Build(tasks, plan.FarmConfig{
		JobName:         "store-test",
		Priority:        50,
		Pool:            "none",
		OutputDirectory: "/tmp/out",
	})
	if err != nil {
		t.Fatal(err)
	}
	jobID, err := s.Submit(context.Background(), jd)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return jobID, jd
}

func TestStoreSubmitAndClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID, jd := submitTestJob(t, s, 10, 4)
	if jobID == "" {
		t.Fatal("empty job id")
	}

	rows, err := s.JobTasks(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d tasks, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Status != farm.TaskPending {
			t.Fatalf("task %d status = %q, want pending", r.Seq, r.Status)
		}
	}

	ct, err := s.ClaimTask(ctx, "worker-1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if ct == nil {
		t.Fatal("ClaimTask returned nil with pending work")
	}
	if ct.JobID != jobID {
		t.Fatalf("claimed job %q, want %q", ct.JobID, jobID)
	}
	if ct.Task.Index != 0 {
		t.Fatalf("claimed task %d, want oldest (0)", ct.Task.Index)
	}
	if ct.BatchCount != jd.BatchCount || ct.ChunkSize != jd.ChunkSize {
		t.Fatalf("claim carries batch=%d chunk=%d, want %d/%d",
			ct.BatchCount, ct.ChunkSize, jd.BatchCount, jd.ChunkSize)
	}
	if len(ct.Task.Graph) != 2 {
		t.Fatalf("claimed graph has %d nodes, want 2", len(ct.Task.Graph))
	}

	rows, err = s.JobTasks(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Status != farm.TaskRunning || rows[0].Assignee != "worker-1" {
		t.Fatalf("task 0 = %q/%q, want running/worker-1", rows[0].Status, rows[0].Assignee)
	}
	if rows[1].Status != farm.TaskPending {
		t.Fatalf("task 1 = %q, want still pending", rows[1].Status)
	}
}

func TestStoreClaimOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID, _ := submitTestJob(t, s, 6, 2)

	for want := 0; want < 3; want++ {
		ct, err := s.ClaimTask(ctx, "w")
		if err != nil {
			t.Fatal(err)
		}
		if ct == nil {
			t.Fatalf("claim %d: nil with pending work", want)
		}
		if ct.Task.Index != want {
			t.Fatalf("claim %d returned task %d", want, ct.Task.Index)
		}
		if ct.JobID != jobID {
			t.Fatalf("claim %d job = %q", want, ct.JobID)
		}
	}

	ct, err := s.ClaimTask(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if ct != nil {
		t.Fatalf("claim after exhaustion returned task %d", ct.Task.Index)
	}
}

func TestStoreReportProgressAndOutcome(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID, _ := submitTestJob(t, s, 4, 2)

	ct, err := s.ClaimTask(ctx, "w")
	if err != nil || ct == nil {
		t.Fatalf("ClaimTask: ct=%v err=%v", ct, err)
	}

	if err := s.ReportProgress(ctx, jobID, ct.Task.Index, 25, "item 1/2"); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	rows, err := s.JobTasks(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Progress != 25 || rows[0].Message != "item 1/2" {
		t.Fatalf("task 0 progress = %v %q", rows[0].Progress, rows[0].Message)
	}

	err = s.ReportOutcome(ctx, jobID, ct.Task.Index, farm.TaskResult{Status: farm.TaskSucceeded})
	if err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}
	rows, _ = s.JobTasks(ctx, jobID)
	if rows[0].Status != farm.TaskSucceeded {
		t.Fatalf("task 0 status = %q, want succeeded", rows[0].Status)
	}
	if rows[0].Progress != 100 {
		t.Fatalf("succeeded task progress = %v, want 100", rows[0].Progress)
	}

	p, err := s.JobProgress(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if p != 50 {
		t.Fatalf("job progress = %v, want 50 (one of two tasks done)", p)
	}
}

func TestStoreReportOutcomeFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID, _ := submitTestJob(t, s, 2, 2)
	ct, _ := s.ClaimTask(ctx, "w")
	if ct == nil {
		t.Fatal("no task claimed")
	}

	res := farm.TaskResult{
		Status:      farm.TaskFailed,
		FailureKind: "ExecutionError",
		Detail:      "node 3: CUDA out of memory",
	}
	if err := s.ReportOutcome(ctx, jobID, ct.Task.Index, res); err != nil {
		t.Fatalf("ReportOutcome: %v", err)
	}

	rows, _ := s.JobTasks(ctx, jobID)
	if rows[0].Status != farm.TaskFailed {
		t.Fatalf("status = %q, want failed", rows[0].Status)
	}
	if rows[0].FailureKind != "ExecutionError" || rows[0].Detail == "" {
		t.Fatalf("failure = %q/%q, want ExecutionError with detail",
			rows[0].FailureKind, rows[0].Detail)
	}
}

func TestStoreReportOutcomeRejectsNonTerminal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	jobID, _ := submitTestJob(t, s, 2, 2)
	err := s.ReportOutcome(ctx, jobID, 0, farm.TaskResult{Status: farm.TaskRunning})
	if err == nil {
		t.Fatal("expected error for non-terminal outcome status")
	}
}

func TestStoreJobProgressUnknownJob(t *testing.T) {
	s := testStore(t)
	if _, err := s.JobProgress(context.Background(), "job_missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}
