package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showrun/showrun"
)

// skipIfNoPostgres connects to the database named by SHOWRUN_TEST_POSTGRES
// and hands back a freshly truncated store. Run one against a throwaway
// database, e.g.
//
//	SHOWRUN_TEST_POSTGRES=postgres://localhost/showrun_test go test ./store/postgres
func skipIfNoPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SHOWRUN_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("SHOWRUN_TEST_POSTGRES not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := New(pool)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE projects, candidates, presets, export_profiles, publish_tasks, step_results, published_metrics`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(priority int, createdAt int64) showrun.PublishTask {
	return showrun.PublishTask{
		ID:          showrun.NewID(),
		ProjectID:   "p1",
		CandidateID: "c1",
		PresetID:    "preset-1",
		Destination: "youtube",
		Status:      showrun.TaskQueued,
		Priority:    priority,
		CreatedAt:   createdAt,
		Artifacts:   showrun.ArtifactMap{showrun.ArtifactSourceVideo: showrun.TextArtifact("https://src/v1")},
	}
}

func TestIntegration(t *testing.T) {
	s := skipIfNoPostgres(t)
	ctx := context.Background()

	t.Run("ClaimOrderingAndLease", func(t *testing.T) {
		low := newTask(0, 100)
		lateHigh := newTask(5, 200)
		earlyHigh := newTask(5, 150)
		for _, task := range []showrun.PublishTask{low, lateHigh, earlyHigh} {
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatal(err)
			}
		}

		for i, wantID := range []string{earlyHigh.ID, lateHigh.ID, low.ID} {
			got, err := s.ClaimNextTask(ctx, "worker-1")
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != wantID {
				t.Fatalf("claim %d = %+v, want %s", i, got, wantID)
			}
			if got.Status != showrun.TaskProcessing || got.LeaseID != "worker-1" || got.ProcessingStartedAt == 0 {
				t.Errorf("claim %d did not take the lease: %+v", i, got)
			}
		}
		empty, err := s.ClaimNextTask(ctx, "worker-1")
		if err != nil {
			t.Fatal(err)
		}
		if empty != nil {
			t.Errorf("drained queue still claimed %+v", empty)
		}

		// Claimed rows round-trip their artifact maps through jsonb.
		got, err := s.GetTask(ctx, low.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Artifacts.TextOf(showrun.ArtifactSourceVideo) != "https://src/v1" {
			t.Errorf("artifacts = %+v", got.Artifacts)
		}
	})

	t.Run("CompleteStepFence", func(t *testing.T) {
		task := newTask(0, 100)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}

		mk := func(attempt int) showrun.StepResult {
			return showrun.StepResult{
				ID: showrun.NewID(), TaskID: task.ID, StepIndex: 0, Attempt: attempt,
				ToolID: "T01_INGEST", Status: showrun.StepRetrying, StartedAt: showrun.NowUnix(),
			}
		}

		first := mk(0)
		if err := s.AppendStepResult(ctx, first); err != nil {
			t.Fatal(err)
		}
		first.Status = showrun.StepOK
		first.CompletedAt = showrun.NowUnix()
		if err := s.CompleteStep(ctx, first, task.Artifacts, nil); err != nil {
			t.Fatal(err)
		}

		second := mk(1)
		if err := s.AppendStepResult(ctx, second); err != nil {
			t.Fatal(err)
		}
		second.Status = showrun.StepOK
		second.CompletedAt = showrun.NowUnix()
		if err := s.CompleteStep(ctx, second, task.Artifacts, nil); !errors.Is(err, showrun.ErrStepFenced) {
			t.Fatalf("err = %v, want ErrStepFenced", err)
		}
	})

	t.Run("ResumeClearsControlState", func(t *testing.T) {
		step := 1
		task := newTask(0, 100)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		if err := s.SetPauseRequest(ctx, task.ID, "hold"); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkTaskPaused(ctx, task.ID, "hold", &step); err != nil {
			t.Fatal(err)
		}

		got, err := s.ResumeTask(ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != showrun.TaskQueued || got.Attempt != 0 {
			t.Errorf("resumed = %+v", got)
		}
		if got.PauseRequestedAt != 0 || got.PausedAt != 0 || got.ModerationStep != nil {
			t.Errorf("pause state not cleared: %+v", got)
		}
		if _, err := s.ResumeTask(ctx, task.ID); err == nil {
			t.Error("resume of queued task accepted")
		}
	})

	t.Run("CandidateSignatureLookup", func(t *testing.T) {
		c := showrun.Candidate{
			ID:              showrun.NewID(),
			ProjectID:       "p1",
			Platform:        "tiktok",
			PlatformVideoID: showrun.NewID(),
			URL:             "https://t/v",
			Status:          showrun.CandidateApproved,
			Meta:            map[string]any{"content_signature": "pg-sig-1"},
			CreatedAt:       showrun.NowUnix(),
			UpdatedAt:       showrun.NowUnix(),
		}
		if err := s.CreateCandidate(ctx, c); err != nil {
			t.Fatal(err)
		}

		got, err := s.FindCandidateBySignature(ctx, "p1", "pg-sig-1", "")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != c.ID {
			t.Errorf("match = %s, want %s", got.ID, c.ID)
		}
		if _, err := s.FindCandidateBySignature(ctx, "p1", "pg-sig-404", ""); !errors.Is(err, showrun.ErrNotFound) {
			t.Errorf("miss err = %v", err)
		}

		if err := s.UpdateCandidateStatus(ctx, c.ID, showrun.CandidateUsed); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateCandidateStatus(ctx, c.ID, showrun.CandidateNew); err == nil {
			t.Error("USED -> NEW accepted")
		}
	})

	t.Run("RecentPublishedTopics", func(t *testing.T) {
		c := showrun.Candidate{
			ID:              showrun.NewID(),
			ProjectID:       "p1",
			Platform:        "tiktok",
			PlatformVideoID: showrun.NewID(),
			URL:             "https://t/v2",
			Status:          showrun.CandidateUsed,
			Meta:            map[string]any{"topic_signature": "pg-topic-1"},
			CreatedAt:       showrun.NowUnix(),
			UpdatedAt:       showrun.NowUnix(),
		}
		if err := s.CreateCandidate(ctx, c); err != nil {
			t.Fatal(err)
		}
		task := newTask(0, 100)
		task.CandidateID = c.ID
		task.Destination = "shorts"
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkTaskPublished(ctx, task.ID, "ext-1", "https://yt/x"); err != nil {
			t.Fatal(err)
		}

		topics, err := s.RecentPublishedTopics(ctx, "shorts", 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(topics) != 1 || topics[0].TopicSignature != "pg-topic-1" || topics[0].TaskID != task.ID {
			t.Errorf("topics = %+v", topics)
		}

		none, err := s.RecentPublishedTopics(ctx, "shorts", 10, time.Now().Unix()+3600)
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Errorf("windowed topics = %+v", none)
		}
	})

	t.Run("PublishedMetricIdempotent", func(t *testing.T) {
		m := showrun.PublishedVideoMetric{
			ID: showrun.NewID(), TaskID: "task-x", Platform: "youtube",
			ExternalID: "pg-ext-1", SnapshotAt: 1000,
			Metrics: showrun.MediaMetrics{Views: 5},
		}
		if err := s.InsertPublishedMetric(ctx, m); err != nil {
			t.Fatal(err)
		}
		dup := m
		dup.ID = showrun.NewID()
		if err := s.InsertPublishedMetric(ctx, dup); err != nil {
			t.Fatalf("idempotent insert = %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Fatal(err)
		}
	})
}
