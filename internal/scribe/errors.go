package scribe

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/gateway"
	"github.com/loqalabs/loqa-scribe/internal/history"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// ErrNoInput is returned by Transcribe when no path is given and no file is
// selected.
var ErrNoInput = errors.New("no file selected")

// ErrClosed is returned once Run has shut down.
var ErrClosed = errors.New("scribe is shut down")

// ErrNoTranscript is returned by SaveTranscript when nothing is displayed.
var ErrNoTranscript = errors.New("no transcript to save")

// ErrSave means the transcript could not be written; the target is unchanged.
var ErrSave = errors.New("saving transcript failed")

// Stable error kind names shown to the user and carried on the bus.
const (
	KindDeviceUnavailable = "DeviceUnavailable"
	KindDeviceReadError   = "DeviceReadError"
	KindWriteError        = "WriteError"
	KindNoAudioCaptured   = "NoAudioCaptured"
	KindAlreadyRecording  = "AlreadyRecording"
	KindNotRecording      = "NotRecording"
	KindCorruptHistory    = "CorruptHistory"
	KindPersistError      = "PersistError"
	KindIndexOutOfRange   = "IndexOutOfRange"
	KindRecognitionError  = "RecognitionError"
	KindUnsupportedFormat = "UnsupportedFormat"
	KindNoInput           = "NoInput"
	KindNoTranscript      = "NoTranscript"
	KindSaveError         = "SaveError"
	KindInternal          = "Internal"
)

// Order matters: ErrPersist may wrap ErrCorruptHistory and must win.
var kinds = []struct {
	err  error
	kind string
}{
	{audio.ErrDeviceUnavailable, KindDeviceUnavailable},
	{audio.ErrDeviceRead, KindDeviceReadError},
	{audio.ErrWrite, KindWriteError},
	{audio.ErrNoAudioCaptured, KindNoAudioCaptured},
	{session.ErrAlreadyRecording, KindAlreadyRecording},
	{session.ErrNotRecording, KindNotRecording},
	{history.ErrPersist, KindPersistError},
	{history.ErrCorruptHistory, KindCorruptHistory},
	{history.ErrIndexOutOfRange, KindIndexOutOfRange},
	{gateway.ErrUnsupportedFormat, KindUnsupportedFormat},
	{gateway.ErrRecognition, KindRecognitionError},
	{ErrNoInput, KindNoInput},
	{ErrNoTranscript, KindNoTranscript},
	{ErrSave, KindSaveError},
}

// Kind maps err to its stable kind name. Unknown errors are Internal.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
