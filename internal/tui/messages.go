package tui

import "github.com/loqalabs/loqa-scribe/internal/history"

// TranscriptMsg replaces the transcript pane. Empty text clears it.
type TranscriptMsg struct {
	Text string
}

// ErrorMsg carries a failure reported by the scribe.
type ErrorMsg struct {
	Kind    string
	Message string
}

// ElapsedMsg updates the recording clock.
type ElapsedMsg struct {
	MMSS string
}

// HistoryMsg carries the recent transcriptions, newest first.
type HistoryMsg struct {
	Entries []history.Entry
}

// ArtifactMsg announces a new current file.
type ArtifactMsg struct {
	Path string
}

// StatusMsg carries a recording state change.
type StatusMsg struct {
	Recording bool
}

// actionDoneMsg is returned by every controller command. Failures have
// already been reported through the Presenter, so only info is shown.
type actionDoneMsg struct {
	info string
	err  error
}

// ClearTransientErrorMsg clears the error bar if no newer error arrived.
type ClearTransientErrorMsg struct {
	seq int
}

// blinkMsg toggles the recording indicator.
type blinkMsg struct{}
