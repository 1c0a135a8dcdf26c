package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	types "github.com/classreel/classreel-backend/internal/domain"
)

// Stage names, in pipeline order.
const (
	StageValidation       = "validation"
	StageRetrieval        = "retrieval"
	StageScriptGeneration = "script_generation"
	StageAudioGeneration  = "audio_generation"
	StageVideoGeneration  = "video_generation"
	StageOutputProcessing = "output_processing"
)

// Stage describes one pipeline step. The registry is the single source of
// truth for ordering, status mapping, timeouts, and retry policy; neither the
// orchestrator nor the tracker hard-codes stage names beyond this table.
type Stage struct {
	Name       string
	Status     types.RequestStatus
	// Modality the stage requires; empty means the stage always runs.
	Modality   string
	Timeout    time.Duration
	Retryable  bool
	MaxRetries int
}

type Registry struct {
	stages []Stage
	byName map[string]int
}

func NewRegistry(stages []Stage) *Registry {
	r := &Registry{
		stages: stages,
		byName: make(map[string]int, len(stages)),
	}
	for i, s := range stages {
		r.byName[s.Name] = i
	}
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry([]Stage{
		{Name: StageValidation, Status: types.StatusValidating, Timeout: 15 * time.Second, Retryable: true, MaxRetries: 3},
		{Name: StageRetrieval, Status: types.StatusRetrieving, Timeout: 30 * time.Second, Retryable: true, MaxRetries: 3},
		{Name: StageScriptGeneration, Status: types.StatusGeneratingScript, Timeout: 30 * time.Second, Retryable: true, MaxRetries: 3},
		{Name: StageAudioGeneration, Status: types.StatusGeneratingAudio, Modality: types.ModalityVideo, Timeout: 120 * time.Second, Retryable: true, MaxRetries: 3},
		{Name: StageVideoGeneration, Status: types.StatusGeneratingVideo, Modality: types.ModalityVideo, Timeout: 300 * time.Second, Retryable: true, MaxRetries: 3},
		{Name: StageOutputProcessing, Status: types.StatusProcessingOutput, Timeout: 60 * time.Second, Retryable: true, MaxRetries: 3},
	})
}

func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

func (r *Registry) Get(name string) (Stage, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Stage{}, false
	}
	return r.stages[i], true
}

func (r *Registry) Len() int { return len(r.stages) }

// ProgressFor is the percentage recorded when the named stage starts:
// the share of stages strictly before it. CompleteRequest sets 100.
func (r *Registry) ProgressFor(name string) int {
	i, ok := r.byName[name]
	if !ok || len(r.stages) == 0 {
		return 0
	}
	return i * 100 / len(r.stages)
}

// ProgressAfter is the percentage once the named stage has completed.
func (r *Registry) ProgressAfter(name string) int {
	i, ok := r.byName[name]
	if !ok || len(r.stages) == 0 {
		return 0
	}
	return (i + 1) * 100 / len(r.stages)
}

type stageOverride struct {
	Name       string `yaml:"name"`
	Timeout    string `yaml:"timeout"`
	Retryable  *bool  `yaml:"retryable"`
	MaxRetries *int   `yaml:"max_retries"`
}

type stagePolicyFile struct {
	Stages []stageOverride `yaml:"stages"`
}

// ApplyOverrides layers a YAML policy file over the built-in stage table.
// Unknown stage names are rejected so typos fail loudly at startup.
func (r *Registry) ApplyOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read stage policy: %w", err)
	}
	var file stagePolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse stage policy: %w", err)
	}
	for _, ov := range file.Stages {
		i, ok := r.byName[ov.Name]
		if !ok {
			return fmt.Errorf("stage policy: unknown stage %q", ov.Name)
		}
		if ov.Timeout != "" {
			d, err := time.ParseDuration(ov.Timeout)
			if err != nil {
				return fmt.Errorf("stage policy: timeout for %q: %w", ov.Name, err)
			}
			r.stages[i].Timeout = d
		}
		if ov.Retryable != nil {
			r.stages[i].Retryable = *ov.Retryable
		}
		if ov.MaxRetries != nil {
			r.stages[i].MaxRetries = *ov.MaxRetries
		}
	}
	return nil
}
