package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSink appends every stream to one WAV file. All streams must share a
// format; Close finalizes the file header.
type WAVSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	format Format
	codec  codec
}

func NewWAVSink(path string) *WAVSink {
	return &WAVSink{path: path}
}

func (s *WAVSink) Open(f Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc != nil {
		if f != s.format {
			return fmt.Errorf("wav sink already writing %s, got %s", s.format, f)
		}
		return nil
	}
	if f.Sample.IsFloat() {
		return fmt.Errorf("wav sink does not support %s samples", f.Sample)
	}
	c, ok := codecFor(f.Sample)
	if !ok {
		return fmt.Errorf("wav sink does not support %s samples", f.Sample)
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create wav dir: %w", err)
		}
	}
	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	s.file = file
	s.enc = wav.NewEncoder(file, f.Rate, f.Sample.Width()*8, f.Channels, 1)
	s.format = f
	s.codec = c
	return nil
}

func (s *WAVSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return 0, ErrSinkClosed
	}

	samples := make([]int, len(p)/s.codec.width)
	for i := range samples {
		v := int(s.codec.get(p[i*s.codec.width:]))
		if s.codec.width == 1 {
			// 8-bit WAV data is unsigned.
			v += 128
		}
		samples[i] = v
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.Rate},
		Data:           samples,
		SourceBitDepth: s.format.Sample.Width() * 8,
	}
	if err := s.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("write wav: %w", err)
	}
	return len(p), nil
}

func (s *WAVSink) Pause() error  { return nil }
func (s *WAVSink) Resume() error { return nil }
func (s *WAVSink) Drain() error  { return nil }
func (s *WAVSink) Stop() error   { return nil }

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	s.enc = nil
	return s.file.Close()
}
