package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

// subBackend is one directly nested child backend: a spawned process whose
// stdio speaks the envelope protocol.
type subBackend struct {
	id           proto.RemoteId
	cmd          *osexec.Cmd
	stdin        io.WriteCloser
	shuttingDown atomic.Bool
}

func (s *subBackend) shutdown() {
	s.shuttingDown.Store(true)
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// BeginRemote spawns a nested backend under the given id and starts
// forwarding its responses upward. Only external commands can host a
// backend.
func (b *Backend) BeginRemote(id proto.RemoteId, cmd proto.Command) error {
	if cmd.Kind != proto.CmdUnknown {
		return fmt.Errorf("backend: remote command must be an external program, got %s", cmd)
	}

	child := osexec.Command(cmd.Path, cmd.Args...)
	child.Stderr = os.Stderr
	stdin, err := child.StdinPipe()
	if err != nil {
		return fmt.Errorf("backend: remote %d stdin: %w", id, err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend: remote %d stdout: %w", id, err)
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("backend: spawn remote %d: %w", id, err)
	}

	out := bufio.NewReader(stdout)
	if err := proto.ExpectHandshake(out); err != nil {
		child.Process.Kill()
		child.Wait()
		return fmt.Errorf("backend: remote %d: %w", id, err)
	}

	s := &subBackend{id: id, cmd: child, stdin: stdin}
	b.mu.Lock()
	b.sub[id] = s
	b.mu.Unlock()
	b.log.Info("remote started", zap.Uint64("remote", uint64(id)))

	go b.pumpResponses(s, out)
	return nil
}

// pumpResponses forwards one child's response frames to our own output,
// rewriting self-addressed frames to the child's id. Frames the child
// already attributed to a deeper remote pass through untouched; the ids are
// globally allocated by the frontend, so they stay meaningful at every hop.
func (b *Backend) pumpResponses(s *subBackend, out *bufio.Reader) {
	defer s.cmd.Wait()
	for {
		line, err := out.ReadBytes('\n')
		if len(line) > 0 {
			resp, derr := proto.DecodeResponse(line)
			if derr != nil {
				if !s.shuttingDown.Load() {
					b.log.Error("remote stream corrupt", zap.Uint64("remote", uint64(s.id)), zap.Error(derr))
					s.shutdown()
				}
				return
			}
			if resp.RemoteId == proto.Root {
				resp.RemoteId = s.id
			}
			if werr := b.out.send(resp); werr != nil {
				b.log.Error("forward response", zap.Uint64("remote", uint64(s.id)), zap.Error(werr))
				return
			}
		}
		if err != nil {
			if err != io.EOF && !s.shuttingDown.Load() {
				b.log.Error("remote read", zap.Uint64("remote", uint64(s.id)), zap.Error(err))
			}
			return
		}
	}
}

// EndRemote tears down a directly nested child. Descendant routes through
// the child die with it.
func (b *Backend) EndRemote(id proto.RemoteId) error {
	b.mu.Lock()
	s, ok := b.sub[id]
	if ok {
		delete(b.sub, id)
		for nested, via := range b.routes {
			if via == id {
				delete(b.routes, nested)
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend: end of unknown remote %d", id)
	}
	s.shutdown()
	b.log.Info("remote ended", zap.Uint64("remote", uint64(id)))
	return nil
}

// forward relays a request addressed to a nested remote. A request for a
// direct child is rewritten to the child's self id; a request for a deeper
// remote keeps its id and the next hop routes it again.
func (b *Backend) forward(req proto.Request) error {
	b.mu.Lock()
	target := req.RemoteId
	s, direct := b.sub[target]
	if !direct {
		via, known := b.routes[target]
		if !known {
			b.mu.Unlock()
			return fmt.Errorf("backend: request for unknown remote %d", target)
		}
		s = b.sub[via]
		if s == nil {
			b.mu.Unlock()
			return fmt.Errorf("backend: route for remote %d points at dead child %d", target, via)
		}
	}
	// A BeginRemote passing through creates a deeper remote reachable via
	// the same child that carries this request.
	if req.Message.BeginRemote != nil {
		b.routes[req.Message.BeginRemote.Id] = s.id
	}
	b.mu.Unlock()

	if direct {
		req.RemoteId = proto.Root
	}
	line, err := proto.EncodeRequest(req)
	if err != nil {
		return err
	}
	if _, err := s.stdin.Write(line); err != nil {
		return fmt.Errorf("backend: forward to remote %d: %w", target, err)
	}
	return nil
}
