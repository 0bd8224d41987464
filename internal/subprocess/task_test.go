package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestManager_StartTask_CompletesSuccessfully(t *testing.T) {
	m := NewManager(nil)
	info, err := m.StartTask(context.Background(), "echo hello", 0)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}

	final := waitForTerminal(t, m, info.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("Status = %v, want Completed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("ExitCode = %v, want 0", final.ExitCode)
	}
	if !strings.Contains(final.StdoutAccumulator, "hello") {
		t.Errorf("StdoutAccumulator = %q", final.StdoutAccumulator)
	}
}

func TestManager_StartTask_NonZeroExitIsFailed(t *testing.T) {
	m := NewManager(nil)
	info, err := m.StartTask(context.Background(), "exit 7", 0)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	final := waitForTerminal(t, m, info.ID)
	if final.Status != StatusFailed {
		t.Fatalf("Status = %v, want Failed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 7 {
		t.Fatalf("ExitCode = %v, want 7", final.ExitCode)
	}
}

func TestManager_StartTask_ExitCode10IsPaused(t *testing.T) {
	m := NewManager(nil)
	info, err := m.StartTask(context.Background(), `echo '{"outcome":"paused","checkpoint_id":"cp1","model":"m","steps":1,"total_steps":1,"usage":{}}'; exit 10`, 0)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	final := waitForTerminal(t, m, info.ID)
	if final.Status != StatusPaused {
		t.Fatalf("Status = %v, want Paused", final.Status)
	}
	if final.PauseInfo == nil || final.PauseInfo.CheckpointID != "cp1" {
		t.Fatalf("PauseInfo = %+v", final.PauseInfo)
	}
}

func TestManager_ResumeTask_RequiresPausedOrCompleted(t *testing.T) {
	m := NewManager(nil)
	info, err := m.StartTask(context.Background(), "sleep 5", 0)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	defer m.CancelTask(info.ID)

	_, err = m.ResumeTask(context.Background(), info.ID, "echo resumed", 0)
	if err == nil {
		t.Fatal("expected ResumeTask on a running task to fail")
	}
}

func TestManager_CancelTask_TransitionsToCancelled(t *testing.T) {
	m := NewManager(nil)
	info, err := m.StartTask(context.Background(), "sleep 5", 0)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	if err := m.CancelTask(info.ID); err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	details, err := m.GetTaskDetails(info.ID)
	if err != nil {
		t.Fatalf("GetTaskDetails() error = %v", err)
	}
	if details.Status != StatusCancelled {
		t.Fatalf("Status = %v, want Cancelled", details.Status)
	}
}

func TestManager_GetTaskDetails_UnknownID(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.GetTaskDetails("nope"); err != ErrTaskNotFound {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func waitForTerminal(t *testing.T, m *Manager, id string) TaskInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.GetTaskDetails(id)
		if err != nil {
			t.Fatalf("GetTaskDetails() error = %v", err)
		}
		switch info.Status {
		case StatusCompleted, StatusFailed, StatusPaused, StatusCancelled:
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state in time", id)
	return TaskInfo{}
}
