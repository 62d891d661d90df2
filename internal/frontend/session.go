// Package frontend holds the frontend half of the handler surface: the
// stacked-remotes session state, the response pump, the cwd cache and the
// edit round-trip.
package frontend

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/endpoint"
	"github.com/Warrelis/nak/internal/pipes"
	"github.com/Warrelis/nak/internal/proto"
)

// RemoteEntry is one hop of the remote stack with the info it announced.
type RemoteEntry struct {
	Id   proto.RemoteId
	Info proto.RemoteInfo
}

// EditFn materializes an edit request and returns the new contents. The
// interactive client runs $EDITOR; tests substitute a pure function.
type EditFn func(name string, data []byte) ([]byte, error)

// Session is the frontend's EndpointHandler: it tracks which processes and
// pipe EOFs are outstanding, tees live command output to the terminal, and
// gathers output that callers asked to collect.
type Session struct {
	log *zap.Logger

	// Set once after construction; the endpoint needs the handler first.
	Endpoint *endpoint.Endpoint

	Stdout io.Writer
	Stderr io.Writer
	Edit   EditFn

	mu               sync.Mutex
	remotes          []RemoteEntry
	waitingFor       map[proto.ProcessId]struct{}
	waitingForEOF    map[proto.GenericPipe]struct{}
	waitingForRemote *proto.RemoteId
	gathering        map[proto.GenericPipe]*pipes.Buffer
	finished         map[proto.GenericPipe]*pipes.Buffer
	stdoutPipes      map[proto.GenericPipe]struct{}
	stderrPipes      map[proto.GenericPipe]struct{}
	exitCodes        map[proto.ProcessId]int64
	listings         map[uint64][]string
}

func NewSession(log *zap.Logger, stdout, stderr io.Writer) *Session {
	return &Session{
		log:           log.Named("session"),
		Stdout:        stdout,
		Stderr:        stderr,
		waitingFor:    make(map[proto.ProcessId]struct{}),
		waitingForEOF: make(map[proto.GenericPipe]struct{}),
		gathering:     make(map[proto.GenericPipe]*pipes.Buffer),
		finished:      make(map[proto.GenericPipe]*pipes.Buffer),
		stdoutPipes:   make(map[proto.GenericPipe]struct{}),
		stderrPipes:   make(map[proto.GenericPipe]struct{}),
		exitCodes:     make(map[proto.ProcessId]int64),
		listings:      make(map[uint64][]string),
	}
}

// CurrentRemote is the top of the remote stack.
func (s *Session) CurrentRemote() proto.RemoteId {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remotes) == 0 {
		return proto.Root
	}
	return s.remotes[len(s.remotes)-1].Id
}

// Remotes returns a copy of the remote stack, bottom first.
func (s *Session) Remotes() []RemoteEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteEntry, len(s.remotes))
	copy(out, s.remotes)
	return out
}

// PopRemote drops the top of the stack; used by end-remote.
func (s *Session) PopRemote() (RemoteEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remotes) <= 1 {
		return RemoteEntry{}, false
	}
	top := s.remotes[len(s.remotes)-1]
	s.remotes = s.remotes[:len(s.remotes)-1]
	return top, true
}

// ExpectRemote arms the session to accept the next RemoteReady.
func (s *Session) ExpectRemote(id proto.RemoteId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitingForRemote != nil {
		panic("frontend: already waiting for a remote")
	}
	s.waitingForRemote = &id
}

// Track registers a started process and its stdio pipes. When gather is
// true the stdout stream is collected instead of teed.
func (s *Session) Track(id proto.ProcessId, cp proto.ClientPipes, gather bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingFor[id] = struct{}{}
	s.waitingForEOF[cp.Stdout.Generic()] = struct{}{}
	s.waitingForEOF[cp.Stderr.Generic()] = struct{}{}
	if gather {
		s.gathering[cp.Stdout.Generic()] = &pipes.Buffer{}
	} else {
		s.stdoutPipes[cp.Stdout.Generic()] = struct{}{}
	}
	s.stderrPipes[cp.Stderr.Generic()] = struct{}{}
}

// TrackRedirected registers a process whose stdout went to a file; only
// stderr streams back.
func (s *Session) TrackRedirected(id proto.ProcessId, stderr proto.ReadPipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingFor[id] = struct{}{}
	s.waitingForEOF[stderr.Generic()] = struct{}{}
	s.stderrPipes[stderr.Generic()] = struct{}{}
}

// Quiescent reports whether nothing is outstanding: no running processes,
// no open pipes, no pending remote handshake.
func (s *Session) Quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waitingFor) == 0 && len(s.waitingForEOF) == 0 && s.waitingForRemote == nil
}

// ProcessDone reports whether id has finished, and its exit code.
func (s *Session) ProcessDone(id proto.ProcessId) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.exitCodes[id]
	return code, ok
}

// TakeGathered removes and returns the collected output of a finished
// gathered pipe.
func (s *Session) TakeGathered(pipe proto.GenericPipe) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.finished[pipe]
	if !ok {
		return nil, false
	}
	delete(s.finished, pipe)
	return buf.Bytes(), true
}

// GatheredReady reports whether a gathered pipe has seen EOF and its output
// can be taken.
func (s *Session) GatheredReady(pipe proto.GenericPipe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finished[pipe]
	return ok
}

// TakeListing removes and returns a directory listing by correlation id.
func (s *Session) TakeListing(id uint64) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.listings[id]
	if !ok {
		return nil, false
	}
	delete(s.listings, id)
	return items, true
}

// --- endpoint.Handler --------------------------------------------------------

func (s *Session) RemoteReady(id proto.RemoteId, info proto.RemoteInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitingForRemote == nil || *s.waitingForRemote != id {
		return fmt.Errorf("frontend: unexpected RemoteReady for remote %d", id)
	}
	s.waitingForRemote = nil
	s.remotes = append(s.remotes, RemoteEntry{Id: id, Info: info})
	s.log.Debug("remote ready",
		zap.Uint64("remote", uint64(id)), zap.String("host", info.Hostname))
	return nil
}

func (s *Session) CommandDone(id proto.ProcessId, exitCode int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waitingFor, id)
	s.exitCodes[id] = exitCode
	return nil
}

func (s *Session) DirectoryListing(id uint64, items []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[id] = items
	return nil
}

func (s *Session) EditRequest(commandId proto.ProcessId, editId uint64, name string, data []byte) error {
	if s.Edit == nil {
		return fmt.Errorf("frontend: no editor wired for edit of %q", name)
	}
	newData, err := s.Edit(name, data)
	if err != nil {
		return fmt.Errorf("frontend: edit %q: %w", name, err)
	}
	return s.Endpoint.FinishEdit(commandId, editId, newData)
}

func (s *Session) Pipe(id proto.GenericPipe, msg proto.PipeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Kind {
	case proto.PipeData:
		if buf, ok := s.gathering[id]; ok {
			return buf.Append(msg.Data, msg.EndOffset)
		}
		if _, ok := s.stdoutPipes[id]; ok {
			_, err := s.Stdout.Write(msg.Data)
			return err
		}
		if _, ok := s.stderrPipes[id]; ok {
			_, err := s.Stderr.Write(msg.Data)
			return err
		}
		return fmt.Errorf("frontend: data for unknown pipe %d", id)
	case proto.PipeClosed:
		delete(s.waitingForEOF, id)
		delete(s.stdoutPipes, id)
		delete(s.stderrPipes, id)
		if buf, ok := s.gathering[id]; ok {
			delete(s.gathering, id)
			if err := buf.Close(msg.EndOffset); err != nil {
				return err
			}
			s.finished[id] = buf
		}
		return nil
	}
	return fmt.Errorf("frontend: pipe message kind %d is not valid as a response", int(msg.Kind))
}
