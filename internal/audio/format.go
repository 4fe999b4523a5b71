// Package audio captures microphone PCM with a fixed format and writes finished
// recordings as WAV artifacts.
package audio

import "time"

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
	ChunkFrames int // frames per ReadChunk
}

// DefaultFormat is the only format the recorder opens devices with:
// mono, 16-bit, 44.1 kHz, 1024-frame chunks.
var DefaultFormat = Format{
	SampleRate:  44100,
	Channels:    1,
	SampleWidth: 2,
	ChunkFrames: 1024,
}

// FrameBytes is the size of one frame across all channels.
func (f Format) FrameBytes() int {
	return f.Channels * f.SampleWidth
}

// ChunkBytes is the size of one ReadChunk payload.
func (f Format) ChunkBytes() int {
	return f.ChunkFrames * f.FrameBytes()
}

func (f Format) BitDepth() int {
	return f.SampleWidth * 8
}

// Duration returns the playback length of n bytes of PCM.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.FrameBytes() <= 0 {
		return 0
	}
	frames := n / f.FrameBytes()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}
