package bridge

import (
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

// newFakeProcess returns a Process whose stdin/stdout are in-memory pipes.
// The goroutine answers each RequestPayload with a ResponsePayload whose Body
// is label + ":" + req.Path, so you can tell which process handled it.
func newFakeProcess(t *testing.T, label string, timeout time.Duration) *Process {
	t.Helper()
	return newScriptedProcess(t, timeout, func(req RequestPayload) ResponsePayload {
		return ResponsePayload{
			ID:     req.ID,
			Status: 200,
			Headers: [][2]string{
				{"X-Process", label},
			},
			Body: label + ":" + req.Path,
		}
	})
}

// newScriptedProcess is newFakeProcess with a custom reply.
func newScriptedProcess(t *testing.T, timeout time.Duration, reply func(RequestPayload) ResponsePayload) *Process {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	p := &Process{
		cfg: processConfig{
			maxRequests: 1000,
			timeout:     timeout,
			log:         zap.NewNop(),
		},
		stdin:  stdinW,
		stdout: stdoutR,
	}

	go func() {
		defer stdinR.Close()
		defer stdoutW.Close()

		for {
			var req RequestPayload
			if err := readFrame(stdinR, &req); err != nil {
				return // client closed or error
			}
			if err := writeFrame(stdoutW, reply(req)); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		stdinW.Close()
		stdoutR.Close()
	})
	return p
}

// newFakePool builds a ProcessPool with n fake processes labeled p0, p1, ...
func newFakePool(t *testing.T, n int, timeout time.Duration) *ProcessPool {
	t.Helper()
	processes := make([]*Process, 0, n)
	for i := 0; i < n; i++ {
		processes = append(processes, newFakeProcess(t, "p"+string(rune('0'+i)), timeout))
	}

	return &ProcessPool{processes: processes}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// blockingReadCloser never returns from Read until closed.
type blockingReadCloser struct {
	done chan struct{}
}

func newBlockingReadCloser() *blockingReadCloser {
	return &blockingReadCloser{done: make(chan struct{})}
}

func (b *blockingReadCloser) Read(p []byte) (int, error) {
	<-b.done
	return 0, io.EOF
}

func (b *blockingReadCloser) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}
