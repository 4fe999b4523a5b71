package protocol

import "time"

// RecordingStarted is published when a capture begins.
type RecordingStarted struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// RecordingStopped is published when a recording ends, with or without an artifact.
type RecordingStopped struct {
	SessionID       string    `json:"session_id"`
	Path            string    `json:"path,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	ElapsedSeconds  float64   `json:"elapsed_seconds"`
	StoppedAt       time.Time `json:"stopped_at"`
	Error           string    `json:"error,omitempty"`
}

// Transcript is a completed transcription that reached the history.
type Transcript struct {
	JobID      string    `json:"job_id"`
	SourcePath string    `json:"source_path"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error reports a failure with its stable kind name.
type Error struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRecordingStarted = "scribe.recording.started"
	SubjectRecordingStopped = "scribe.recording.stopped"
	SubjectTranscriptFinal  = "scribe.transcript.final"
	SubjectError            = "scribe.error"
)
