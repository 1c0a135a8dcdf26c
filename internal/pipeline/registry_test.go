package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	types "github.com/classreel/classreel-backend/internal/domain"
)

func TestDefaultRegistryOrderAndProgress(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()

	wantOrder := []string{
		StageValidation, StageRetrieval, StageScriptGeneration,
		StageAudioGeneration, StageVideoGeneration, StageOutputProcessing,
	}
	stages := r.Stages()
	if len(stages) != len(wantOrder) {
		t.Fatalf("stage count: got %d, want %d", len(stages), len(wantOrder))
	}
	for i, name := range wantOrder {
		if stages[i].Name != name {
			t.Fatalf("stage %d: got %s, want %s", i, stages[i].Name, name)
		}
	}

	if got := r.ProgressFor(StageValidation); got != 0 {
		t.Fatalf("ProgressFor first stage: got %d, want 0", got)
	}
	if got := r.ProgressAfter(StageOutputProcessing); got != 100 {
		t.Fatalf("ProgressAfter last stage: got %d, want 100", got)
	}
	for i := range wantOrder[:len(wantOrder)-1] {
		if r.ProgressAfter(wantOrder[i]) != r.ProgressFor(wantOrder[i+1]) {
			t.Fatalf("progress not contiguous between %s and %s", wantOrder[i], wantOrder[i+1])
		}
	}
}

func TestDefaultRegistryModalityAndRetryPolicy(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()

	validation, _ := r.Get(StageValidation)
	if !validation.Retryable || validation.MaxRetries != 3 {
		t.Fatalf("validation policy: retryable=%v max_retries=%d", validation.Retryable, validation.MaxRetries)
	}
	audio, _ := r.Get(StageAudioGeneration)
	if audio.Modality != types.ModalityVideo {
		t.Fatalf("audio modality: got %q, want %q", audio.Modality, types.ModalityVideo)
	}
	video, _ := r.Get(StageVideoGeneration)
	if video.Modality != types.ModalityVideo {
		t.Fatalf("video modality: got %q, want %q", video.Modality, types.ModalityVideo)
	}
	retrieval, _ := r.Get(StageRetrieval)
	if !retrieval.Retryable || retrieval.MaxRetries != 3 {
		t.Fatalf("retrieval policy: retryable=%v max_retries=%d", retrieval.Retryable, retrieval.MaxRetries)
	}
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stages.yaml")
	policy := `stages:
  - name: retrieval
    timeout: 45s
    max_retries: 5
  - name: video_generation
    retryable: false
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}

	r := DefaultRegistry()
	if err := r.ApplyOverrides(path); err != nil {
		t.Fatalf("ApplyOverrides: %v", err)
	}

	retrieval, _ := r.Get(StageRetrieval)
	if retrieval.Timeout != 45*time.Second || retrieval.MaxRetries != 5 {
		t.Fatalf("retrieval override not applied: timeout=%s max_retries=%d", retrieval.Timeout, retrieval.MaxRetries)
	}
	video, _ := r.Get(StageVideoGeneration)
	if video.Retryable {
		t.Fatal("video retryable override not applied")
	}
	// Untouched fields keep defaults.
	if video.Timeout != 300*time.Second {
		t.Fatalf("video timeout changed unexpectedly: %s", video.Timeout)
	}
}

func TestApplyOverridesRejectsUnknownStage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte("stages:\n  - name: nonsense\n    timeout: 1s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := DefaultRegistry().ApplyOverrides(path); err == nil {
		t.Fatal("expected error for unknown stage name")
	}
}
