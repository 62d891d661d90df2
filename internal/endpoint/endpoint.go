// Package endpoint is the frontend's per-hop message router. It allocates
// ids, tracks the remote tree and the jobs and pipes hanging off it, frames
// requests onto the transport, and demultiplexes responses back into typed
// handler callbacks.
package endpoint

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

// Transport carries one encoded frame to the peer. Implementations must not
// buffer indefinitely; a frame is on the wire when Send returns.
type Transport interface {
	Send(line []byte) error
}

// Handler receives demultiplexed responses. Callbacks run on the goroutine
// that calls Receive and may call back into the endpoint.
type Handler interface {
	RemoteReady(id proto.RemoteId, info proto.RemoteInfo) error
	CommandDone(id proto.ProcessId, exitCode int64) error
	DirectoryListing(id uint64, items []string) error
	EditRequest(commandId proto.ProcessId, editId uint64, name string, data []byte) error
	Pipe(id proto.GenericPipe, msg proto.PipeMessage) error
}

var (
	// ErrRemoteBusy is returned by CloseRemote while descendant remotes or
	// processes are still live; the caller cancels them first.
	ErrRemoteBusy = errors.New("endpoint: remote has live descendants")
	// ErrUnknownRemote is returned for operations against a remote id that
	// is not alive.
	ErrUnknownRemote = errors.New("endpoint: unknown remote")
	// ErrUnknownProcess is returned for operations against a process id that
	// is not tracked.
	ErrUnknownProcess = errors.New("endpoint: unknown process")
	// ErrCloseRoot is returned for an attempt to close RemoteId(0).
	ErrCloseRoot = errors.New("endpoint: cannot close the root remote")
)

type remoteState struct {
	parent proto.RemoteId
	isRoot bool
}

type jobState struct {
	parent proto.RemoteId
	done   bool
}

type pipeState struct {
	owner proto.RemoteId
}

// Endpoint tracks one frontend's view of the remote forest. All operations
// are synchronous from the caller's view: the request frame is written
// before the call returns.
type Endpoint struct {
	mu      sync.Mutex
	log     *zap.Logger
	trans   Transport
	handler Handler
	ids     *proto.Ids
	remotes map[proto.RemoteId]remoteState
	jobs    map[proto.ProcessId]jobState
	pipes   map[proto.GenericPipe]pipeState
}

func New(log *zap.Logger, trans Transport, handler Handler) *Endpoint {
	ep := &Endpoint{
		log:     log.Named("endpoint"),
		trans:   trans,
		handler: handler,
		ids:     proto.NewIds(),
		remotes: make(map[proto.RemoteId]remoteState),
		jobs:    make(map[proto.ProcessId]jobState),
		pipes:   make(map[proto.GenericPipe]pipeState),
	}
	ep.remotes[proto.Root] = remoteState{isRoot: true}
	return ep
}

// Root returns the endpoint's own remote id.
func (ep *Endpoint) Root() proto.RemoteId {
	return proto.Root
}

func (ep *Endpoint) send(remote proto.RemoteId, msg proto.RequestMessage) error {
	line, err := proto.EncodeRequest(proto.Request{RemoteId: remote, Message: msg})
	if err != nil {
		return err
	}
	return ep.trans.Send(line)
}

// Remote allocates a new remote id under parent and asks parent to spawn the
// backend. Operations against the new id are valid once RemoteReady arrives.
func (ep *Endpoint) Remote(parent proto.RemoteId, cmd proto.Command) (proto.RemoteId, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.remotes[parent]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRemote, parent)
	}
	id := proto.RemoteId(ep.ids.Next())
	if err := ep.send(parent, proto.RequestMessage{BeginRemote: &proto.BeginRemote{Id: id, Command: cmd}}); err != nil {
		return 0, err
	}
	ep.remotes[id] = remoteState{parent: parent}
	return id, nil
}

// Pipe allocates a fresh pipe id and returns its two typed views. Each
// command that references the pipe binds it to that command's remote; until
// then pipe control messages for it go to the root.
func (ep *Endpoint) Pipe() (proto.ReadPipe, proto.WritePipe) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.ids.Next()
	ep.pipes[proto.GenericPipe(id)] = pipeState{}
	return proto.ReadPipe(id), proto.WritePipe(id)
}

// Command allocates a process id and asks remote to enqueue the command,
// gated on blockFor.
func (ep *Endpoint) Command(remote proto.RemoteId, cmd proto.Command, blockFor map[proto.ProcessId]proto.Condition, stdio proto.StdioPipes) (proto.ProcessId, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.remotes[remote]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRemote, remote)
	}
	id := proto.ProcessId(ep.ids.Next())

	process := proto.AbstractProcess{
		Id:     id,
		Stdin:  stdio.Stdin.Generic(),
		Stdout: stdio.Stdout.Generic(),
		Stderr: stdio.Stderr.Generic(),
	}
	if blockFor == nil {
		blockFor = map[proto.ProcessId]proto.Condition{}
	}
	err := ep.send(remote, proto.RequestMessage{BeginCommand: &proto.BeginCommand{
		BlockFor: blockFor,
		Process:  process,
		Command:  cmd,
	}})
	if err != nil {
		return 0, err
	}

	ep.jobs[id] = jobState{parent: remote}
	ep.bind(stdio.Stdin.Generic(), remote)
	ep.bind(stdio.Stdout.Generic(), remote)
	ep.bind(stdio.Stderr.Generic(), remote)
	return id, nil
}

func (ep *Endpoint) bind(pipe proto.GenericPipe, remote proto.RemoteId) {
	st := ep.pipes[pipe]
	st.owner = remote
	ep.pipes[pipe] = st
}

// OpenOutputFile allocates a pipe id backed by a file created on the remote.
func (ep *Endpoint) OpenOutputFile(remote proto.RemoteId, path string) (proto.WritePipe, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.remotes[remote]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRemote, remote)
	}
	id := ep.ids.Next()
	err := ep.send(remote, proto.RequestMessage{OpenOutputFile: &proto.OpenFile{Id: proto.GenericPipe(id), Path: path}})
	if err != nil {
		return 0, err
	}
	ep.pipes[proto.GenericPipe(id)] = pipeState{owner: remote}
	return proto.WritePipe(id), nil
}

// OpenInputFile allocates a pipe id backed by a file opened on the remote.
func (ep *Endpoint) OpenInputFile(remote proto.RemoteId, path string) (proto.ReadPipe, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.remotes[remote]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRemote, remote)
	}
	id := ep.ids.Next()
	err := ep.send(remote, proto.RequestMessage{OpenInputFile: &proto.OpenFile{Id: proto.GenericPipe(id), Path: path}})
	if err != nil {
		return 0, err
	}
	ep.pipes[proto.GenericPipe(id)] = pipeState{owner: remote}
	return proto.ReadPipe(id), nil
}

// ListDirectory asks remote for the entries of path, answered through the
// DirectoryListing callback with the returned correlation id.
func (ep *Endpoint) ListDirectory(remote proto.RemoteId, path string) (uint64, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.remotes[remote]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRemote, remote)
	}
	id := ep.ids.Next()
	err := ep.send(remote, proto.RequestMessage{ListDirectory: &proto.ListDirectory{Id: id, Path: path}})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CloseRemote tears down a leaf remote. It refuses while descendant remotes
// exist or processes started on the remote are still live; cancellation is
// explicit, never implied.
func (ep *Endpoint) CloseRemote(remote proto.RemoteId) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	st, ok := ep.remotes[remote]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRemote, remote)
	}
	if st.isRoot {
		return ErrCloseRoot
	}
	for id, child := range ep.remotes {
		if !child.isRoot && child.parent == remote {
			return fmt.Errorf("%w: remote %d is still open under %d", ErrRemoteBusy, id, remote)
		}
	}
	for id, job := range ep.jobs {
		if job.parent == remote && !job.done {
			return fmt.Errorf("%w: process %d is still running on %d", ErrRemoteBusy, id, remote)
		}
	}

	delete(ep.remotes, remote)
	return ep.send(st.parent, proto.RequestMessage{EndRemote: &proto.EndRemote{Id: remote}})
}

// CloseProcess cancels a process and drops its tracking. After it returns,
// the only response that may still mention the id is an in-flight
// CommandDone.
func (ep *Endpoint) CloseProcess(id proto.ProcessId) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	job, ok := ep.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProcess, id)
	}
	delete(ep.jobs, id)
	return ep.send(job.parent, proto.RequestMessage{CancelCommand: &proto.CancelCommand{Id: id}})
}

// FinishEdit answers an EditRequest, routed to the command's hosting remote.
func (ep *Endpoint) FinishEdit(commandId proto.ProcessId, editId uint64, data []byte) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	job, ok := ep.jobs[commandId]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProcess, commandId)
	}
	return ep.send(job.parent, proto.RequestMessage{FinishEdit: &proto.FinishEdit{Id: editId, Data: data}})
}

// PipeBeginRead asks the pipe's owning remote to start streaming its bytes.
func (ep *Endpoint) PipeBeginRead(pipe proto.ReadPipe) error {
	return ep.pipeControl(pipe.Generic(), proto.BeginRead())
}

// PipeRead advertises a byte budget for the pipe. Advisory.
func (ep *Endpoint) PipeRead(pipe proto.ReadPipe, upTo uint64) error {
	return ep.pipeControl(pipe.Generic(), proto.ReadUpTo(upTo))
}

func (ep *Endpoint) pipeControl(pipe proto.GenericPipe, msg proto.PipeMessage) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	st, ok := ep.pipes[pipe]
	if !ok {
		return fmt.Errorf("endpoint: unknown pipe %d", pipe)
	}
	return ep.send(st.owner, proto.RequestMessage{Pipe: &proto.PipeFrame{Id: pipe, Msg: msg}})
}

// Receive demultiplexes one response envelope into the handler. The handler
// runs without the endpoint lock and may issue new requests.
func (ep *Endpoint) Receive(resp proto.Response) error {
	m := resp.Message
	switch {
	case m.RemoteReady != nil:
		return ep.handler.RemoteReady(resp.RemoteId, m.RemoteReady.Info)
	case m.CommandDone != nil:
		ep.mu.Lock()
		if job, ok := ep.jobs[m.CommandDone.Id]; ok {
			job.done = true
			ep.jobs[m.CommandDone.Id] = job
		}
		ep.mu.Unlock()
		return ep.handler.CommandDone(m.CommandDone.Id, m.CommandDone.ExitCode)
	case m.DirectoryListing != nil:
		return ep.handler.DirectoryListing(m.DirectoryListing.Id, m.DirectoryListing.Items)
	case m.EditRequest != nil:
		return ep.handler.EditRequest(m.EditRequest.CommandId, m.EditRequest.EditId, m.EditRequest.Name, m.EditRequest.Data)
	case m.Pipe != nil:
		ep.mu.Lock()
		_, known := ep.pipes[m.Pipe.Id]
		ep.mu.Unlock()
		if !known {
			return fmt.Errorf("endpoint: response for unknown pipe %d", m.Pipe.Id)
		}
		if k := m.Pipe.Msg.Kind; k != proto.PipeData && k != proto.PipeClosed {
			return fmt.Errorf("endpoint: pipe message kind %d is not valid as a response", int(k))
		}
		return ep.handler.Pipe(m.Pipe.Id, m.Pipe.Msg)
	}
	return errors.New("endpoint: empty response")
}
