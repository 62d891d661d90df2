// Package backend implements the backend side of the protocol: it routes
// request envelopes from stdin either into the local execution engine or
// down to a nested child backend, and multiplexes the responses back onto
// stdout.
package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"sync"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/exec"
	"github.com/Warrelis/nak/internal/proto"
)

// Handler is the typed surface a request addressed to this hop lands on.
type Handler interface {
	BeginCommand(blockFor map[proto.ProcessId]proto.Condition, process proto.WriteProcess, cmd proto.Command) error
	CancelCommand(id proto.ProcessId) error
	BeginRemote(id proto.RemoteId, cmd proto.Command) error
	OpenOutputFile(id proto.WritePipe, path string) error
	OpenInputFile(id proto.ReadPipe, path string) error
	EndRemote(id proto.RemoteId) error
	ListDirectory(id uint64, path string) error
	FinishEdit(id uint64, data []byte) error
	Pipe(id proto.GenericPipe, msg proto.PipeMessage) error
}

// Route dispatches one self-addressed request into a Handler.
func Route(req proto.Request, h Handler) error {
	m := req.Message
	switch {
	case m.BeginCommand != nil:
		return h.BeginCommand(m.BeginCommand.BlockFor, m.BeginCommand.Process.WriteView(), m.BeginCommand.Command)
	case m.CancelCommand != nil:
		return h.CancelCommand(m.CancelCommand.Id)
	case m.BeginRemote != nil:
		return h.BeginRemote(m.BeginRemote.Id, m.BeginRemote.Command)
	case m.OpenOutputFile != nil:
		return h.OpenOutputFile(proto.WritePipe(m.OpenOutputFile.Id), m.OpenOutputFile.Path)
	case m.OpenInputFile != nil:
		return h.OpenInputFile(proto.ReadPipe(m.OpenInputFile.Id), m.OpenInputFile.Path)
	case m.EndRemote != nil:
		return h.EndRemote(m.EndRemote.Id)
	case m.ListDirectory != nil:
		return h.ListDirectory(m.ListDirectory.Id, m.ListDirectory.Path)
	case m.FinishEdit != nil:
		return h.FinishEdit(m.FinishEdit.Id, m.FinishEdit.Data)
	case m.Pipe != nil:
		return h.Pipe(m.Pipe.Id, m.Pipe.Msg)
	}
	return fmt.Errorf("backend: empty request")
}

// respWriter serializes response frames onto the shared output stream. The
// engine actor and every child forwarder write through it.
type respWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (rw *respWriter) raw(line []byte) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_, err := rw.w.Write(line)
	return err
}

func (rw *respWriter) send(resp proto.Response) error {
	line, err := proto.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return rw.raw(line)
}

// Backend is one protocol hop: the local engine plus any nested child
// backends it forwards to.
type Backend struct {
	log    *zap.Logger
	out    *respWriter
	engine *exec.Engine

	mu     sync.Mutex
	sub    map[proto.RemoteId]*subBackend
	routes map[proto.RemoteId]proto.RemoteId
}

// New wires a backend whose responses go to out. The caller owns out's
// lifetime; stdout in the shipped binary.
func New(log *zap.Logger, out io.Writer) *Backend {
	b := &Backend{
		log:    log.Named("backend"),
		out:    &respWriter{w: out},
		sub:    make(map[proto.RemoteId]*subBackend),
		routes: make(map[proto.RemoteId]proto.RemoteId),
	}
	b.engine = exec.New(log, b)
	return b
}

// Close stops the engine and kills any child backends.
func (b *Backend) Close() {
	b.engine.Close()
	b.mu.Lock()
	subs := make([]*subBackend, 0, len(b.sub))
	for _, s := range b.sub {
		subs = append(subs, s)
	}
	b.sub = make(map[proto.RemoteId]*subBackend)
	b.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}

func localInfo() proto.RemoteInfo {
	info := proto.RemoteInfo{Hostname: "unknown", Username: "unknown"}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	if u, err := user.Current(); err == nil {
		info.Username = u.Username
	}
	if wd, err := os.Getwd(); err == nil {
		info.WorkingDir = wd
	}
	return info
}

// Serve writes the handshake and the self RemoteReady, then pumps request
// frames until EOF. A decode failure is fatal for the stream.
func (b *Backend) Serve(r io.Reader) error {
	if err := proto.WriteHandshake(b.out.w); err != nil {
		return err
	}
	err := b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{RemoteReady: &proto.RemoteReady{Info: localInfo()}},
	})
	if err != nil {
		return err
	}

	in := bufio.NewReader(r)
	for {
		line, err := in.ReadBytes('\n')
		if len(line) > 0 {
			req, derr := proto.DecodeRequest(line)
			if derr != nil {
				return derr
			}
			if req.RemoteId == proto.Root {
				if herr := Route(req, b); herr != nil {
					return herr
				}
			} else if ferr := b.forward(req); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backend: read request stream: %w", err)
		}
	}
}

// --- Handler: requests addressed to this hop ---------------------------------

func (b *Backend) BeginCommand(blockFor map[proto.ProcessId]proto.Condition, process proto.WriteProcess, cmd proto.Command) error {
	b.engine.Enqueue(process.Id, exec.RunCmd{
		Cmd:    cmd,
		Stdin:  process.Stdin,
		Stdout: process.Stdout,
		Stderr: process.Stderr,
	}, blockFor)
	return nil
}

func (b *Backend) CancelCommand(id proto.ProcessId) error {
	b.engine.Cancel(id)
	return nil
}

func (b *Backend) OpenOutputFile(id proto.WritePipe, path string) error {
	b.engine.OpenOutputFile(id, path)
	return nil
}

func (b *Backend) OpenInputFile(id proto.ReadPipe, path string) error {
	b.engine.OpenInputFile(id, path)
	return nil
}

func (b *Backend) ListDirectory(id uint64, path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		// Surfaced as an empty listing rather than a dead stream.
		b.log.Warn("list directory", zap.String("path", path), zap.Error(err))
	}
	items := make([]string, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.Name())
	}
	return b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{DirectoryListing: &proto.DirectoryListing{Id: id, Items: items}},
	})
}

func (b *Backend) FinishEdit(id uint64, data []byte) error {
	b.engine.FinishEdit(id, data)
	return nil
}

func (b *Backend) Pipe(id proto.GenericPipe, msg proto.PipeMessage) error {
	switch msg.Kind {
	case proto.PipeBeginRead:
		b.engine.BeginRead(id)
	case proto.PipeRead:
		b.engine.AdvertiseRead(id, msg.ReadUpTo)
	default:
		// Data and Closed are only valid as responses.
		return fmt.Errorf("backend: pipe message kind %d is not valid as a request", int(msg.Kind))
	}
	return nil
}

// --- exec.Reporter: engine results onto the wire -----------------------------

func (b *Backend) PipeData(id proto.GenericPipe, data []byte, endOffset uint64) error {
	msg := proto.Data(data, endOffset)
	return b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{Pipe: &proto.PipeFrame{Id: id, Msg: msg}},
	})
}

func (b *Backend) PipeClosed(id proto.GenericPipe, endOffset uint64) error {
	msg := proto.Closed(endOffset)
	return b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{Pipe: &proto.PipeFrame{Id: id, Msg: msg}},
	})
}

func (b *Backend) CommandDone(id proto.ProcessId, exitCode int64) error {
	return b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{CommandDone: &proto.CommandDone{Id: id, ExitCode: exitCode}},
	})
}

func (b *Backend) EditRequest(commandId proto.ProcessId, editId uint64, name string, data []byte) error {
	return b.out.send(proto.Response{
		RemoteId: proto.Root,
		Message: proto.ResponseMessage{EditRequest: &proto.EditRequest{
			CommandId: commandId,
			EditId:    editId,
			Name:      name,
			Data:      data,
		}},
	})
}
