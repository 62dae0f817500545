package transcriber

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/proc"
)

// LocalServer runs inference through a spawned whisper-server process that
// exposes an OpenAI-compatible endpoint on localhost. Useful where loading
// the model per task is too slow but in-process inference is unwanted.
type LocalServer struct {
	base
	serverPath string
	nThreads   int
	port       int

	cmd   *exec.Cmd
	inner *OpenAIAPI
}

const serverStartTimeout = 30 * time.Second

func (s *LocalServer) Run(events chan<- Event) {
	if s.port == 0 {
		s.port = 3000
	}

	args := []string{
		"--port", strconv.Itoa(s.port),
		"--inference-path", "/audio/transcriptions",
		"--threads", strconv.Itoa(s.nThreads),
		"--model", s.task.ModelPath,
		"--suppress-nst",
	}
	if lang := s.task.TranscriptionOptions.Language; lang != "" {
		args = append(args, "--language", lang)
	}

	s.cmd = exec.CommandContext(s.ctx, s.serverPath, args...)
	proc.Hide(s.cmd)

	s.logger.Debug("starting whisper server", zap.Strings("args", args))

	if err := s.cmd.Start(); err != nil {
		s.fail(events, fmt.Errorf("start whisper server: %w", err))
		return
	}
	defer s.shutdown()

	if err := s.waitReady(); err != nil {
		s.fail(events, err)
		return
	}

	s.inner = &OpenAIAPI{
		base:    s.base,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", s.port),
	}
	s.inner.Run(events)
}

// waitReady polls the server port until it accepts connections. The model
// load dominates startup time, so the timeout is generous.
func (s *LocalServer) waitReady() error {
	deadline := time.Now().Add(serverStartTimeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.port))
	for time.Now().Before(deadline) {
		if s.ctx.Err() != nil {
			return ErrStopped
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("whisper server did not become ready within %s", serverStartTimeout)
}

// shutdown terminates the server, escalating to a kill if it does not exit
// within the grace period.
func (s *LocalServer) shutdown() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(done)
	}()

	s.cmd.Process.Signal(terminateSignal())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("whisper server did not terminate gracefully, killing")
		s.cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.logger.Error("failed to kill whisper server process")
		}
	}
}
