package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

var (
	ErrProcessTimeout = errors.New("bridge process timed out")
	errNoCommand      = errors.New("bridge process has no command")
)

type processConfig struct {
	command     []string
	dir         string
	maxRequests int
	timeout     time.Duration
	log         *zap.Logger
}

// Process is one long-lived interpreter running the bridge script. It serves
// one request at a time over its stdin/stdout.
type Process struct {
	cfg processConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	mu     sync.Mutex

	dead   bool
	deadMu sync.RWMutex

	requestCount uint64
}

func NewProcess(cfg processConfig) (*Process, error) {
	p := &Process{cfg: cfg}
	if err := p.spawn(); err != nil {
		return nil, err
	}
	return p, nil
}

// spawn starts a fresh interpreter. Callers hold p.mu or own p exclusively.
func (p *Process) spawn() error {
	if len(p.cfg.command) == 0 {
		return errNoCommand
	}

	cmd := exec.Command(p.cfg.command[0], p.cfg.command[1:]...)
	cmd.Dir = p.cfg.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return err
	}
	cmd.Stderr = &zapio.Writer{Log: p.cfg.log.Named("stderr"), Level: zap.WarnLevel}
	// a child that inherited stderr must not keep Wait blocked
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("start %s: %w", p.cfg.command[0], err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	return nil
}

func (p *Process) isDead() bool {
	p.deadMu.RLock()
	defer p.deadMu.RUnlock()
	return p.dead
}

func (p *Process) markDead() {
	p.deadMu.Lock()
	p.dead = true
	p.deadMu.Unlock()
}

// kill stops the interpreter and reaps it through cmd.Wait so the stderr
// copier and the pipes exec created are released too.
func (p *Process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
}

func (p *Process) restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
	}
	p.kill()

	if err := p.spawn(); err != nil {
		return err
	}

	p.deadMu.Lock()
	p.dead = false
	p.deadMu.Unlock()
	atomic.StoreUint64(&p.requestCount, 0)

	p.cfg.log.Info("restarted bridge process", zap.String("dir", p.cfg.dir))
	return nil
}

// Handle sends payload and waits for the reply. A process whose pipe broke is
// restarted and the request retried once.
func (p *Process) Handle(ctx context.Context, payload *RequestPayload) (*ResponsePayload, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if p.isDead() {
			if err := p.restart(); err != nil {
				return nil, err
			}
		}

		resp, err := p.roundTrip(ctx, payload)
		if err != nil {
			if isBrokenPipe(err) {
				p.markDead()
				continue
			}
			return nil, err
		}

		// recycle once maxRequests is reached
		n := atomic.AddUint64(&p.requestCount, 1)
		if p.cfg.maxRequests > 0 && int(n) >= p.cfg.maxRequests {
			p.markDead()
		}
		return resp, nil
	}

	return nil, io.ErrUnexpectedEOF
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}

func (p *Process) roundTrip(ctx context.Context, payload *RequestPayload) (*ResponsePayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := writeFrame(p.stdin, payload); err != nil {
		return nil, err
	}

	type result struct {
		resp *ResponsePayload
		err  error
	}
	resCh := make(chan result, 1)
	stdout := p.stdout
	go func() {
		var resp ResponsePayload
		if err := readFrame(stdout, &resp); err != nil {
			resCh <- result{nil, err}
			return
		}
		resCh <- result{&resp, nil}
	}()

	var timeout <-chan time.Time
	if p.cfg.timeout > 0 {
		t := time.NewTimer(p.cfg.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-resCh:
		return res.resp, res.err
	case <-timeout:
		p.markDead()
		p.kill()
		return nil, fmt.Errorf("%w after %s", ErrProcessTimeout, p.cfg.timeout)
	case <-ctx.Done():
		// the reply may still arrive, so the stream is out of sync
		p.markDead()
		p.kill()
		return nil, ctx.Err()
	}
}

// Close kills the interpreter.
func (p *Process) Close() error {
	p.markDead()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	p.kill()
	return nil
}
