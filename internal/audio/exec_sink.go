package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mattn/go-shellwords"
)

var ErrSinkClosed = errors.New("audio sink is not open")

// ExecSink pipes PCM into the stdin of a player command, one process per
// stream. The command may reference {format}, {alsa_format}, {rate} and
// {channels}.
type ExecSink struct {
	args []string
	log  *slog.Logger

	mu   sync.Mutex
	proc *player
}

type player struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	err   error
}

func NewExecSink(command string, log *slog.Logger) (*ExecSink, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("find player %q: %w", args[0], err)
	}
	return &ExecSink{args: args, log: log.With(slog.String("component", "exec-sink"))}, nil
}

func (s *ExecSink) Open(f Format) error {
	_ = s.Stop()

	args := expandArgs(s.args, f)
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	p := &player{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
	s.log.Debug("player started", slog.String("format", f.String()), slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *ExecSink) current() *player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *ExecSink) Write(b []byte) (int, error) {
	p := s.current()
	if p == nil {
		return 0, ErrSinkClosed
	}
	return p.stdin.Write(b)
}

func (s *ExecSink) Pause() error {
	if p := s.current(); p != nil {
		return p.cmd.Process.Signal(syscall.SIGSTOP)
	}
	return nil
}

func (s *ExecSink) Resume() error {
	if p := s.current(); p != nil {
		return p.cmd.Process.Signal(syscall.SIGCONT)
	}
	return nil
}

// Drain closes the player's stdin and waits for it to finish playing.
func (s *ExecSink) Drain() error {
	p := s.current()
	if p == nil {
		return nil
	}
	_ = p.stdin.Close()
	<-p.done

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
	if p.err != nil {
		s.log.Warn("player exited with error", slog.String("error", p.err.Error()))
	}
	return nil
}

// Stop kills the player without waiting for buffered audio.
func (s *ExecSink) Stop() error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGCONT)
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}

func expandArgs(args []string, f Format) []string {
	r := strings.NewReplacer(
		"{format}", f.Sample.String(),
		"{alsa_format}", alsaFormat(f.Sample),
		"{rate}", strconv.Itoa(f.Rate),
		"{channels}", strconv.Itoa(f.Channels),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// alsaFormat maps a sample format to the name aplay expects.
func alsaFormat(s SampleFormat) string {
	switch s {
	case SampleS8, SampleU8:
		return s.String()
	case SampleS24LE:
		return "S24_3LE"
	case SampleS24BE:
		return "S24_3BE"
	case SampleU24LE:
		return "U24_3LE"
	case SampleU24BE:
		return "U24_3BE"
	case SampleF32LE:
		return "FLOAT_LE"
	case SampleF32BE:
		return "FLOAT_BE"
	case SampleF64LE:
		return "FLOAT64_LE"
	case SampleF64BE:
		return "FLOAT64_BE"
	}
	name := s.String()
	return name[:len(name)-2] + "_" + name[len(name)-2:]
}
