package frontend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/endpoint"
	"github.com/Warrelis/nak/internal/proto"
)

// PipeTransport frames requests onto the child backend's stdin.
type PipeTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *PipeTransport) Send(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("frontend: send: %w", err)
	}
	return nil
}

// Client owns one backend child process, the endpoint speaking to it, and
// the response pump. The pump is driven from the caller's goroutine via
// WaitUntil/WaitIdle; a background reader only decodes lines into a channel.
type Client struct {
	log      *zap.Logger
	Endpoint *endpoint.Endpoint
	Session  *Session
	Cwd      *CwdCache

	child     *osexec.Cmd
	responses chan proto.Response
	readErr   chan error
}

// Launch spawns the backend, verifies the handshake, and waits for the root
// remote to announce itself. backendArgv names the binary plus any
// arguments.
func Launch(log *zap.Logger, backendArgv []string, stdout, stderr io.Writer) (*Client, error) {
	if len(backendArgv) == 0 {
		return nil, fmt.Errorf("frontend: empty backend command")
	}
	child := osexec.Command(backendArgv[0], backendArgv[1:]...)
	child.Stderr = os.Stderr
	stdin, err := child.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("frontend: backend stdin: %w", err)
	}
	childOut, err := child.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("frontend: backend stdout: %w", err)
	}
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("frontend: spawn backend %q: %w", backendArgv[0], err)
	}

	out := bufio.NewReader(childOut)
	if err := proto.ExpectHandshake(out); err != nil {
		child.Process.Kill()
		child.Wait()
		return nil, err
	}

	session := NewSession(log, stdout, stderr)
	ep := endpoint.New(log, &PipeTransport{w: stdin}, session)
	session.Endpoint = ep

	c := &Client{
		log:       log.Named("client"),
		Endpoint:  ep,
		Session:   session,
		child:     child,
		responses: make(chan proto.Response, 64),
		readErr:   make(chan error, 1),
	}
	c.Cwd = newCwdCache(log, c, CwdCacheOptions{})

	go c.readLoop(out)

	session.ExpectRemote(ep.Root())
	if err := c.WaitUntil(func() bool { return session.Quiescent() }); err != nil {
		child.Process.Kill()
		child.Wait()
		return nil, err
	}
	return c, nil
}

// Close tears the backend down. Outstanding work is abandoned.
func (c *Client) Close() {
	if c.child.Process != nil {
		c.child.Process.Kill()
	}
	c.child.Wait()
}

func (c *Client) readLoop(out *bufio.Reader) {
	for {
		line, err := out.ReadBytes('\n')
		if len(line) > 0 {
			resp, derr := proto.DecodeResponse(line)
			if derr != nil {
				// Fatal for the transport.
				c.readErr <- derr
				return
			}
			c.responses <- resp
		}
		if err != nil {
			if err != io.EOF {
				c.readErr <- err
			} else {
				c.readErr <- fmt.Errorf("frontend: backend closed its stream")
			}
			return
		}
	}
}

// WaitUntil pumps responses until done() holds. It is the frontend's only
// suspension point; handler callbacks run on this goroutine.
func (c *Client) WaitUntil(done func() bool) error {
	for !done() {
		select {
		case resp := <-c.responses:
			if err := c.Endpoint.Receive(resp); err != nil {
				return err
			}
		case err := <-c.readErr:
			return err
		case <-time.After(30 * time.Second):
			return fmt.Errorf("frontend: timed out waiting for backend")
		}
	}
	return nil
}

// WaitIdle pumps until nothing is outstanding.
func (c *Client) WaitIdle() error {
	return c.WaitUntil(c.Session.Quiescent)
}

// Run submits one command on the session's current remote, with fresh stdio
// pipes, and starts reading its output. The returned pipes are the caller's
// view of the child's stdio.
func (c *Client) Run(cmd proto.Command, blockFor map[proto.ProcessId]proto.Condition) (proto.ProcessId, proto.ClientPipes, error) {
	return c.run(cmd, blockFor, false)
}

// RunGathered is Run with stdout collected for the caller instead of teed
// to the terminal.
func (c *Client) RunGathered(cmd proto.Command, blockFor map[proto.ProcessId]proto.Condition) (proto.ProcessId, proto.ClientPipes, error) {
	return c.run(cmd, blockFor, true)
}

func (c *Client) run(cmd proto.Command, blockFor map[proto.ProcessId]proto.Condition, gather bool) (proto.ProcessId, proto.ClientPipes, error) {
	return c.runOn(c.Session.CurrentRemote(), cmd, blockFor, gather)
}

func (c *Client) runOn(remote proto.RemoteId, cmd proto.Command, blockFor map[proto.ProcessId]proto.Condition, gather bool) (proto.ProcessId, proto.ClientPipes, error) {
	stdinRead, stdinWrite := c.Endpoint.Pipe()
	stdoutRead, stdoutWrite := c.Endpoint.Pipe()
	stderrRead, stderrWrite := c.Endpoint.Pipe()

	id, err := c.Endpoint.Command(remote, cmd, blockFor, proto.StdioPipes{
		Stdin:  stdinRead,
		Stdout: stdoutWrite,
		Stderr: stderrWrite,
	})
	if err != nil {
		return 0, proto.ClientPipes{}, err
	}

	cp := proto.ClientPipes{Stdin: stdinWrite, Stdout: stdoutRead, Stderr: stderrRead}
	c.Session.Track(id, cp, gather)
	if err := c.Endpoint.PipeBeginRead(stdoutRead); err != nil {
		return 0, proto.ClientPipes{}, err
	}
	if err := c.Endpoint.PipeBeginRead(stderrRead); err != nil {
		return 0, proto.ClientPipes{}, err
	}
	return id, cp, nil
}

// RunRedirected submits a command whose stdout is written to a file on the
// remote; only stderr streams back.
func (c *Client) RunRedirected(cmd proto.Command, path string) (proto.ProcessId, error) {
	remote := c.Session.CurrentRemote()
	stdoutWrite, err := c.Endpoint.OpenOutputFile(remote, path)
	if err != nil {
		return 0, err
	}
	stdinRead, _ := c.Endpoint.Pipe()
	stderrRead, stderrWrite := c.Endpoint.Pipe()

	id, err := c.Endpoint.Command(remote, cmd, nil, proto.StdioPipes{
		Stdin:  stdinRead,
		Stdout: stdoutWrite,
		Stderr: stderrWrite,
	})
	if err != nil {
		return 0, err
	}
	c.Session.TrackRedirected(id, stderrRead)
	if err := c.Endpoint.PipeBeginRead(stderrRead); err != nil {
		return 0, err
	}
	return id, nil
}

// BeginRemote stacks a nested backend on top of the current remote and
// waits for it to announce itself.
func (c *Client) BeginRemote(cmd proto.Command) (proto.RemoteId, error) {
	parent := c.Session.CurrentRemote()
	id, err := c.Endpoint.Remote(parent, cmd)
	if err != nil {
		return 0, err
	}
	c.Session.ExpectRemote(id)
	if err := c.WaitUntil(c.Session.Quiescent); err != nil {
		return 0, err
	}
	return id, nil
}

// EndRemote pops and closes the top remote.
func (c *Client) EndRemote() error {
	top, ok := c.Session.PopRemote()
	if !ok {
		return fmt.Errorf("frontend: no nested remote to end")
	}
	return c.Endpoint.CloseRemote(top.Id)
}

// Cancel kills a process by id.
func (c *Client) Cancel(id proto.ProcessId) error {
	return c.Endpoint.CloseProcess(id)
}

// ListDirectory fetches a remote directory listing.
func (c *Client) ListDirectory(path string) ([]string, error) {
	id, err := c.Endpoint.ListDirectory(c.Session.CurrentRemote(), path)
	if err != nil {
		return nil, err
	}
	var items []string
	err = c.WaitUntil(func() bool {
		got, ok := c.Session.TakeListing(id)
		if ok {
			items = got
		}
		return ok
	})
	return items, err
}
