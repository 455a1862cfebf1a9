package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

const (
	// stderrRingLines is how many stderr lines we keep per child.
	stderrRingLines = 64

	// recvBuffer bounds how far the reader can run ahead of the session.
	recvBuffer = 32

	// Shutdown escalation grace periods.
	politeExitWait = 2 * time.Second
	sigtermWait    = 3 * time.Second
)

// StdioConfig describes a child MCP server process.
type StdioConfig struct {
	Command       string
	Args          []string
	Env           map[string]string
	Dir           string
	MaxFrameBytes int
}

// Stdio runs a backend MCP server as a child process and frames JSON-RPC
// messages over its stdin/stdout, one message per line. stderr is
// captured into a small ring buffer and never parsed.
type Stdio struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	writeMu sync.Mutex

	frames chan *mcp.Message
	stderr *lineRing

	// done is closed when the channel is gone; readErr holds the reason
	// and is immutable afterwards.
	done     chan struct{}
	doneOnce sync.Once
	readErr  error

	// stop tells the reader to quit once Drain begins, so it never
	// blocks publishing frames nobody will consume.
	stop chan struct{}

	exited chan struct{}
	drain  sync.Once
}

var _ Transport = (*Stdio)(nil)

// NewStdio spawns the child and starts its reader and stderr collector.
// The returned transport has not been handshaken yet.
func NewStdio(ctx context.Context, cfg StdioConfig, log *slog.Logger) (*Stdio, error) {
	if cfg.Command == "" {
		return nil, &InitError{Stage: "spawn", Err: fmt.Errorf("command is empty")}
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &InitError{Stage: "spawn", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &InitError{Stage: "spawn", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &InitError{Stage: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &InitError{Stage: "spawn", Err: err}
	}

	t := &Stdio{
		cmd:    cmd,
		stdin:  stdin,
		log:    log.With(logger.Scope("transport.stdio"), slog.Int("pid", cmd.Process.Pid)),
		frames: make(chan *mcp.Message, recvBuffer),
		stderr: newLineRing(stderrRingLines),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	go t.collectStderr(stderr)
	go t.readLoop(stdout, cfg.MaxFrameBytes)
	go func() {
		err := cmd.Wait()
		if err != nil {
			t.log.Debug("child exited", logger.Error(err))
		}
		close(t.exited)
	}()

	t.log.Debug("spawned backend process", slog.String("command", cfg.Command))
	return t, nil
}

func (*Stdio) sealed() {}

func (*Stdio) Kind() Kind { return KindStdio }

// Send writes one message followed by a newline. Callers are serialized
// so frames from concurrent invocations never interleave on the pipe.
func (t *Stdio) Send(ctx context.Context, msg *mcp.Message) error {
	select {
	case <-t.done:
		return t.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to child stdin: %w", err)
	}
	return nil
}

// Recv returns the next frame from the child's stdout. After the child
// dies or emits garbage the stored failure is returned forever.
func (t *Stdio) Recv(ctx context.Context) (*mcp.Message, error) {
	select {
	case msg := <-t.frames:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.frames:
		return msg, nil
	case <-t.done:
		// Drain frames that raced with the close.
		select {
		case msg := <-t.frames:
			return msg, nil
		default:
		}
		return nil, t.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain shuts the child down: shutdown request and exit notification
// first, then SIGTERM, then SIGKILL. Each step is skipped as soon as the
// process is observed to have exited. Idempotent.
func (t *Stdio) Drain(ctx context.Context) error {
	t.drain.Do(func() {
		close(t.stop)
		defer t.stdin.Close()

		if req, err := mcp.NewRequest(json.RawMessage(`"shutdown"`), mcp.MethodShutdown, nil); err == nil {
			_ = t.Send(ctx, req)
		}
		if note, err := mcp.NewNotification(mcp.MethodExit, nil); err == nil {
			_ = t.Send(ctx, note)
		}
		if t.waitExit(politeExitWait) {
			return
		}

		t.log.Debug("child ignored exit, sending SIGTERM")
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		if t.waitExit(sigtermWait) {
			return
		}

		t.log.Warn("child ignored SIGTERM, killing")
		_ = t.cmd.Process.Kill()
		t.waitExit(time.Second)
	})
	return nil
}

// StderrTail returns the most recent stderr lines, oldest first. Used in
// init failure diagnostics.
func (t *Stdio) StderrTail() []string {
	return t.stderr.Tail()
}

func (t *Stdio) waitExit(d time.Duration) bool {
	select {
	case <-t.exited:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *Stdio) closedErr() error {
	if t.readErr != nil {
		return t.readErr
	}
	return ErrClosed
}

func (t *Stdio) fail(err error) {
	t.doneOnce.Do(func() {
		t.readErr = err
		close(t.done)
	})
}

func (t *Stdio) readLoop(stdout io.Reader, maxFrame int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrame)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := mcp.Decode(line)
		if err != nil {
			t.fail(fmt.Errorf("malformed frame from child: %w", err))
			return
		}
		select {
		case t.frames <- msg:
		case <-t.stop:
			t.fail(ErrClosed)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			t.fail(ErrFrameTooLarge)
		} else {
			t.fail(fmt.Errorf("read child stdout: %w", err))
		}
		return
	}
	t.fail(ErrClosed)
}

func (t *Stdio) collectStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		t.stderr.Append(scanner.Text())
	}
}
