package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stdioTerminateGrace is how long a subprocess gets to exit after a
// graceful terminate before it is killed.
const stdioTerminateGrace = 5 * time.Second

// maxLineSize bounds a single framed message on stdout.
const maxLineSize = 16 * 1024 * 1024

// stdioConn frames one JSON object per line over a subprocess's
// stdin/stdout. stderr is drained to the log.
type stdioConn struct {
	tag     string
	command string
	args    []string
	env     map[string]string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
	exited chan struct{} // closed by readLoop once the subprocess is reaped
}

func newStdioConn(tag, command string, args []string, env map[string]string) *stdioConn {
	return &stdioConn{tag: tag, command: command, args: args, env: env, exited: make(chan struct{})}
}

func (c *stdioConn) start(ctx context.Context, onMessage func([]byte), onClosed func(error)) error {
	cmd := exec.Command(c.command, c.args...)
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("upstream: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("upstream: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("upstream: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("upstream: start %q: %w", c.command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	go c.drainStderr(stderr)
	go c.readLoop(stdout, onMessage, onClosed)
	return nil
}

func (c *stdioConn) readLoop(stdout io.Reader, onMessage func([]byte), onClosed func(error)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		onMessage([]byte(line))
	}
	err := scanner.Err()
	if err != nil {
		log.Printf("[Upstream:%s] stdout read error: %v", c.tag, err)
	}
	waitErr := c.cmd.Wait()
	close(c.exited)
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && waitErr != nil {
		log.Printf("[Upstream:%s] Subprocess exited: %v", c.tag, waitErr)
	}
	if err == nil {
		err = waitErr
	}
	onClosed(err)
}

func (c *stdioConn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Printf("[Upstream:%s] stderr: %s", c.tag, line)
		}
	}
}

func (c *stdioConn) send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return ErrConnectionClosed
	}
	if _, err := c.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("upstream: write stdin: %w", err)
	}
	return nil
}

// close shuts the subprocess down: stdin is closed first so well
// behaved servers exit on their own, then terminate, then kill after
// the grace period.
func (c *stdioConn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// already gone, or signalling unsupported: fall through to kill
		log.Printf("[Upstream:%s] Terminate signal failed: %v", c.tag, err)
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(stdioTerminateGrace):
		log.Printf("[Upstream:%s] Subprocess did not exit within %s, killing", c.tag, stdioTerminateGrace)
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("upstream: kill subprocess: %w", err)
		}
		<-c.exited
		return nil
	}
}
