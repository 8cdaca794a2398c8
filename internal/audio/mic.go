// Package audio captures microphone PCM for the live transcription stream.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// DefaultFramesPerBuffer is 64 ms of audio at 16 kHz.
const DefaultFramesPerBuffer = 1024

// Initialize and Terminate bracket every use of the package.
func Initialize() error { return portaudio.Initialize() }
func Terminate() error  { return portaudio.Terminate() }

// Mic wraps a PortAudio mono capture stream. While muted it keeps writing
// silence so the downstream connection stays open.
type Mic struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	muted      atomic.Bool
}

// NewMic opens a PortAudio capture stream with the given sample rate and buffer size (in frames).
func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Mic{stream: stream, buf: buf, sampleRate: sampleRate}, nil
}

// OpenFirst opens the microphone at the first sample rate that works.
func OpenFirst(rates []int, framesPerBuffer int) (*Mic, error) {
	var errs []error
	for _, rate := range rates {
		mic, err := NewMic(rate, framesPerBuffer)
		if err != nil {
			slog.Warn("microphone open failed", "sample_rate", rate, "error", err)
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		return mic, nil
	}
	return nil, fmt.Errorf("open microphone: %w", errors.Join(errs...))
}

func (m *Mic) SampleRate() int { return m.sampleRate }

func (m *Mic) Start() error { return m.stream.Start() }
func (m *Mic) Stop() error  { return m.stream.Stop() }
func (m *Mic) Close() error { return m.stream.Close() }

func (m *Mic) Mute()   { m.muted.Store(true) }
func (m *Mic) Unmute() { m.muted.Store(false) }

func (m *Mic) IsMuted() bool { return m.muted.Load() }

// Stream reads from the mic and writes PCM16-LE to w until ctx is done or
// an error occurs.
func (m *Mic) Stream(ctx context.Context, w io.Writer) error {
	out := make([]byte, len(m.buf)*2)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.stream.Read(); err != nil {
			return err
		}
		encodePCM(out, m.buf, m.muted.Load())
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
}

// encodePCM writes samples to out as little-endian int16, or zeros when
// silent. out must hold 2*len(samples) bytes.
func encodePCM(out []byte, samples []int16, silent bool) {
	if silent {
		clear(out)
		return
	}
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
}

type Streamer interface {
	Stream(ctx context.Context, w io.Writer) error
}

// StreamWithRetry runs streamer until ctx is done, restarting it after
// input overflows. Any other error ends streaming.
func StreamWithRetry(ctx context.Context, streamer Streamer, w io.Writer, wait func(time.Duration)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := streamer.Stream(ctx, w)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			slog.Warn("mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		return fmt.Errorf("mic stream: %w", err)
	}
}
