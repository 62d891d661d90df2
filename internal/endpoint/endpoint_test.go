package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

// memTransport decodes every frame it is handed, so framing mistakes fail
// the test at the send site.
type memTransport struct {
	sent []proto.Request
}

func (m *memTransport) Send(line []byte) error {
	req, err := proto.DecodeRequest(line)
	if err != nil {
		return err
	}
	m.sent = append(m.sent, req)
	return nil
}

func (m *memTransport) last() proto.Request {
	return m.sent[len(m.sent)-1]
}

type recordingHandler struct {
	ready    []proto.RemoteId
	done     []proto.ProcessId
	listings map[uint64][]string
	edits    []proto.EditRequest
	pipe     []proto.PipeFrame
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{listings: make(map[uint64][]string)}
}

func (h *recordingHandler) RemoteReady(id proto.RemoteId, info proto.RemoteInfo) error {
	h.ready = append(h.ready, id)
	return nil
}

func (h *recordingHandler) CommandDone(id proto.ProcessId, exitCode int64) error {
	h.done = append(h.done, id)
	return nil
}

func (h *recordingHandler) DirectoryListing(id uint64, items []string) error {
	h.listings[id] = items
	return nil
}

func (h *recordingHandler) EditRequest(commandId proto.ProcessId, editId uint64, name string, data []byte) error {
	h.edits = append(h.edits, proto.EditRequest{CommandId: commandId, EditId: editId, Name: name, Data: data})
	return nil
}

func (h *recordingHandler) Pipe(id proto.GenericPipe, msg proto.PipeMessage) error {
	h.pipe = append(h.pipe, proto.PipeFrame{Id: id, Msg: msg})
	return nil
}

func newTestEndpoint() (*Endpoint, *memTransport, *recordingHandler) {
	trans := &memTransport{}
	handler := newRecordingHandler()
	return New(zap.NewNop(), trans, handler), trans, handler
}

func TestCommandFraming(t *testing.T) {
	ep, trans, _ := newTestEndpoint()

	stdinRead, _ := ep.Pipe()
	stdoutRead, stdoutWrite := ep.Pipe()
	_, stderrWrite := ep.Pipe()

	id, err := ep.Command(ep.Root(), proto.Unknown("echo", "hi"),
		map[proto.ProcessId]proto.Condition{},
		proto.StdioPipes{Stdin: stdinRead, Stdout: stdoutWrite, Stderr: stderrWrite})
	require.NoError(t, err)

	req := trans.last()
	assert.Equal(t, proto.Root, req.RemoteId)
	require.NotNil(t, req.Message.BeginCommand)
	assert.Equal(t, id, req.Message.BeginCommand.Process.Id)
	assert.Equal(t, stdinRead.Generic(), req.Message.BeginCommand.Process.Stdin)
	assert.Equal(t, stdoutWrite.Generic(), req.Message.BeginCommand.Process.Stdout)

	require.NoError(t, ep.PipeBeginRead(stdoutRead))
	req = trans.last()
	require.NotNil(t, req.Message.Pipe)
	assert.Equal(t, stdoutRead.Generic(), req.Message.Pipe.Id)
	assert.Equal(t, proto.PipeBeginRead, req.Message.Pipe.Msg.Kind)
}

func TestIdsNeverCollide(t *testing.T) {
	ep, _, _ := newTestEndpoint()

	seen := make(map[uint64]bool)
	note := func(id uint64) {
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}

	r, w := ep.Pipe()
	assert.Equal(t, uint64(r), uint64(w))
	note(uint64(r))

	id, err := ep.Remote(ep.Root(), proto.Unknown("nak-backend"))
	require.NoError(t, err)
	note(uint64(id))

	r2, w2 := ep.Pipe()
	note(uint64(r2))
	pid, err := ep.Command(ep.Root(), proto.Unknown("true"), nil,
		proto.StdioPipes{Stdin: r, Stdout: w2, Stderr: w2})
	require.NoError(t, err)
	note(uint64(pid))
}

func TestNestedRemoteAddressing(t *testing.T) {
	ep, trans, handler := newTestEndpoint()

	// BeginRemote goes to the parent; commands go to the new remote itself.
	nested, err := ep.Remote(ep.Root(), proto.Unknown("ssh", "host", "nak-backend"))
	require.NoError(t, err)
	assert.Equal(t, proto.Root, trans.last().RemoteId)

	require.NoError(t, ep.Receive(proto.Response{
		RemoteId: nested,
		Message:  proto.ResponseMessage{RemoteReady: &proto.RemoteReady{Info: proto.RemoteInfo{Hostname: "host"}}},
	}))
	assert.Equal(t, []proto.RemoteId{nested}, handler.ready)

	stdinRead, _ := ep.Pipe()
	_, stdoutWrite := ep.Pipe()
	_, stderrWrite := ep.Pipe()
	_, err = ep.Command(nested, proto.Unknown("true"), nil,
		proto.StdioPipes{Stdin: stdinRead, Stdout: stdoutWrite, Stderr: stderrWrite})
	require.NoError(t, err)
	assert.Equal(t, nested, trans.last().RemoteId)

	// Deeper nesting: a remote under the nested remote is requested from it.
	deeper, err := ep.Remote(nested, proto.Unknown("nak-backend"))
	require.NoError(t, err)
	assert.Equal(t, nested, trans.last().RemoteId)
	assert.Equal(t, deeper, trans.last().Message.BeginRemote.Id)
}

func TestCloseRemoteRefusesLiveDescendants(t *testing.T) {
	ep, trans, _ := newTestEndpoint()

	nested, err := ep.Remote(ep.Root(), proto.Unknown("nak-backend"))
	require.NoError(t, err)
	deeper, err := ep.Remote(nested, proto.Unknown("nak-backend"))
	require.NoError(t, err)

	// A child remote blocks the close.
	err = ep.CloseRemote(nested)
	assert.ErrorIs(t, err, ErrRemoteBusy)

	require.NoError(t, ep.CloseRemote(deeper))

	// A live process blocks the close too.
	stdinRead, _ := ep.Pipe()
	_, stdoutWrite := ep.Pipe()
	_, stderrWrite := ep.Pipe()
	pid, err := ep.Command(nested, proto.Unknown("sleep", "30"), nil,
		proto.StdioPipes{Stdin: stdinRead, Stdout: stdoutWrite, Stderr: stderrWrite})
	require.NoError(t, err)
	err = ep.CloseRemote(nested)
	assert.ErrorIs(t, err, ErrRemoteBusy)

	// Done processes do not.
	require.NoError(t, ep.Receive(proto.Response{
		RemoteId: nested,
		Message:  proto.ResponseMessage{CommandDone: &proto.CommandDone{Id: pid, ExitCode: 0}},
	}))
	require.NoError(t, ep.CloseRemote(nested))

	req := trans.last()
	assert.Equal(t, proto.Root, req.RemoteId)
	require.NotNil(t, req.Message.EndRemote)
	assert.Equal(t, nested, req.Message.EndRemote.Id)
}

func TestCloseRootRefused(t *testing.T) {
	ep, _, _ := newTestEndpoint()
	assert.ErrorIs(t, ep.CloseRemote(ep.Root()), ErrCloseRoot)
}

func TestCloseProcessDropsTracking(t *testing.T) {
	ep, trans, _ := newTestEndpoint()

	stdinRead, _ := ep.Pipe()
	_, stdoutWrite := ep.Pipe()
	_, stderrWrite := ep.Pipe()
	pid, err := ep.Command(ep.Root(), proto.Unknown("sleep", "30"), nil,
		proto.StdioPipes{Stdin: stdinRead, Stdout: stdoutWrite, Stderr: stderrWrite})
	require.NoError(t, err)

	require.NoError(t, ep.CloseProcess(pid))
	req := trans.last()
	require.NotNil(t, req.Message.CancelCommand)
	assert.Equal(t, pid, req.Message.CancelCommand.Id)

	// After close, the id is gone: edits against it fail and a second close
	// reports the process unknown.
	assert.ErrorIs(t, ep.FinishEdit(pid, 1, nil), ErrUnknownProcess)
	assert.ErrorIs(t, ep.CloseProcess(pid), ErrUnknownProcess)
}

func TestReceiveValidatesPipes(t *testing.T) {
	ep, _, handler := newTestEndpoint()

	err := ep.Receive(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{Pipe: &proto.PipeFrame{Id: 99, Msg: proto.Data([]byte("x"), 1)}},
	})
	assert.Error(t, err)

	readPipe, _ := ep.Pipe()
	require.NoError(t, ep.Receive(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{Pipe: &proto.PipeFrame{Id: readPipe.Generic(), Msg: proto.Data([]byte("x"), 1)}},
	}))
	require.Len(t, handler.pipe, 1)

	// Requests-only pipe messages are rejected as responses.
	err = ep.Receive(proto.Response{
		RemoteId: proto.Root,
		Message:  proto.ResponseMessage{Pipe: &proto.PipeFrame{Id: readPipe.Generic(), Msg: proto.BeginRead()}},
	})
	assert.Error(t, err)
}

func TestFinishEditRoutesToHostingRemote(t *testing.T) {
	ep, trans, _ := newTestEndpoint()

	nested, err := ep.Remote(ep.Root(), proto.Unknown("nak-backend"))
	require.NoError(t, err)

	stdinRead, _ := ep.Pipe()
	_, stdoutWrite := ep.Pipe()
	_, stderrWrite := ep.Pipe()
	pid, err := ep.Command(nested, proto.Edit("/tmp/x"), nil,
		proto.StdioPipes{Stdin: stdinRead, Stdout: stdoutWrite, Stderr: stderrWrite})
	require.NoError(t, err)

	require.NoError(t, ep.FinishEdit(pid, 42, []byte("new\n")))
	req := trans.last()
	assert.Equal(t, nested, req.RemoteId)
	require.NotNil(t, req.Message.FinishEdit)
	assert.Equal(t, uint64(42), req.Message.FinishEdit.Id)
}
