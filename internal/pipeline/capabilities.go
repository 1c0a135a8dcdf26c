package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// External capabilities consumed by the orchestrator. Each is an opaque
// network-bound operation; concrete clients classify their failures with the
// error variants in errors.go and never retry internally (retry, backoff, and
// circuit breaking belong to the orchestrator).

// TopicResolution is the successful outcome of query validation.
type TopicResolution struct {
	TopicID    string  `json:"topic_id"`
	TopicName  string  `json:"topic_name"`
	Confidence float64 `json:"confidence,omitempty"`
}

type ContextChunk struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// OutputArtifacts carries the opaque artifact handles produced by the
// generation stages into output persistence.
type OutputArtifacts struct {
	ScriptText string `json:"script_text,omitempty"`
	AudioURI   string `json:"audio_uri,omitempty"`
	VideoURI   string `json:"video_uri,omitempty"`
}

type QueryValidator interface {
	// ValidateQuery resolves a free-text query to a known topic. Returns
	// *ClarificationError when the query is ambiguous and *ValidationError
	// when it is out of scope.
	ValidateQuery(ctx context.Context, query, gradeLevel string) (*TopicResolution, error)
}

type ContextRetriever interface {
	RetrieveContext(ctx context.Context, topicID, interest, gradeLevel string) ([]ContextChunk, error)
}

type ScriptGenerator interface {
	GenerateScript(ctx context.Context, topic string, chunks []ContextChunk, interest, gradeLevel string) (string, error)
}

type AudioGenerator interface {
	GenerateAudio(ctx context.Context, scriptText string) (string, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, scriptText, audioURI string) (string, error)
}

type OutputStore interface {
	PersistOutput(ctx context.Context, requestID uuid.UUID, artifacts OutputArtifacts) (map[string]string, error)
}

// Capabilities bundles the capability set handed to the orchestrator at
// construction. Tests substitute doubles per field.
type Capabilities struct {
	Validator QueryValidator
	Retriever ContextRetriever
	Script    ScriptGenerator
	Audio     AudioGenerator
	Video     VideoGenerator
	Output    OutputStore
}
