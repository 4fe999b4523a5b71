package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// WriteWAV encodes 16-bit little-endian PCM into a WAV container matching f.
func WriteWAV(w io.WriteSeeker, pcm []byte, f Format) error {
	if f.SampleWidth != 2 {
		return fmt.Errorf("unsupported sample width %d", f.SampleWidth)
	}
	if len(pcm)%f.FrameBytes() != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		SourceBitDepth: f.BitDepth(),
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, f.SampleRate, f.BitDepth(), f.Channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
