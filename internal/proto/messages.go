package proto

import (
	"encoding/json"
	"fmt"
)

// AbstractProcess is the wire description of a process: its id and the pipe
// ids bound to its stdio.
type AbstractProcess struct {
	Id     ProcessId   `json:"id"`
	Stdin  GenericPipe `json:"stdin"`
	Stdout GenericPipe `json:"stdout"`
	Stderr GenericPipe `json:"stderr"`
}

// WriteProcess is the backend's typed view of an AbstractProcess: the backend
// reads the stdin pipe and writes the stdout/stderr pipes.
type WriteProcess struct {
	Id     ProcessId
	Stdin  ReadPipe
	Stdout WritePipe
	Stderr WritePipe
}

func (p AbstractProcess) WriteView() WriteProcess {
	return WriteProcess{
		Id:     p.Id,
		Stdin:  ReadPipe(p.Stdin),
		Stdout: WritePipe(p.Stdout),
		Stderr: WritePipe(p.Stderr),
	}
}

// StdioPipes is the binding set a caller hands to Endpoint.Command, named
// from the child's perspective.
type StdioPipes struct {
	Stdin  ReadPipe
	Stdout WritePipe
	Stderr WritePipe
}

// ClientPipes is the frontend's view of the same bindings: it writes the
// child's stdin and reads its stdout/stderr.
type ClientPipes struct {
	Stdin  WritePipe
	Stdout ReadPipe
	Stderr ReadPipe
}

// RemoteInfo describes a backend, delivered once per remote via RemoteReady.
type RemoteInfo struct {
	Hostname   string `json:"hostname"`
	Username   string `json:"username"`
	WorkingDir string `json:"working_dir"`
}

// PipeMessageKind discriminates the PipeMessage union.
type PipeMessageKind int

const (
	// PipeBeginRead asks the owning backend to start draining the pipe's read
	// end and stream the bytes back. Request-only.
	PipeBeginRead PipeMessageKind = iota
	// PipeRead advertises a byte budget for the pipe. Advisory; request-only.
	PipeRead
	// PipeData carries a chunk of pipe bytes. Response-only.
	PipeData
	// PipeClosed marks EOF on the pipe. Response-only.
	PipeClosed
)

// PipeMessage is the in-band pipe streaming union.
//
// Wire shapes: "BeginRead", {"Read":{"read_up_to":n}},
// {"Data":{"data":"...","end_offset":n}}, {"Closed":{"end_offset":n}}.
// Data bytes are base64, the encoding/json default for byte slices.
type PipeMessage struct {
	Kind      PipeMessageKind
	Data      []byte
	EndOffset uint64
	ReadUpTo  uint64
}

func BeginRead() PipeMessage {
	return PipeMessage{Kind: PipeBeginRead}
}

func ReadUpTo(n uint64) PipeMessage {
	return PipeMessage{Kind: PipeRead, ReadUpTo: n}
}

func Data(b []byte, endOffset uint64) PipeMessage {
	return PipeMessage{Kind: PipeData, Data: b, EndOffset: endOffset}
}

func Closed(endOffset uint64) PipeMessage {
	return PipeMessage{Kind: PipeClosed, EndOffset: endOffset}
}

type pipeDataBody struct {
	Data      []byte `json:"data"`
	EndOffset uint64 `json:"end_offset"`
}

type pipeReadBody struct {
	ReadUpTo uint64 `json:"read_up_to"`
}

type pipeClosedBody struct {
	EndOffset uint64 `json:"end_offset"`
}

func (m PipeMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case PipeBeginRead:
		return json.Marshal("BeginRead")
	case PipeRead:
		return json.Marshal(map[string]pipeReadBody{"Read": {ReadUpTo: m.ReadUpTo}})
	case PipeData:
		data := m.Data
		if data == nil {
			data = []byte{}
		}
		return json.Marshal(map[string]pipeDataBody{"Data": {Data: data, EndOffset: m.EndOffset}})
	case PipeClosed:
		return json.Marshal(map[string]pipeClosedBody{"Closed": {EndOffset: m.EndOffset}})
	}
	return nil, fmt.Errorf("proto: cannot marshal pipe message kind %d", int(m.Kind))
}

func (m *PipeMessage) UnmarshalJSON(b []byte) error {
	var unit string
	if err := json.Unmarshal(b, &unit); err == nil {
		if unit != "BeginRead" {
			return fmt.Errorf("proto: unknown pipe message variant %q", unit)
		}
		*m = BeginRead()
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(b, &tagged); err != nil {
		return fmt.Errorf("proto: malformed pipe message: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("proto: pipe message must have exactly one variant, got %d", len(tagged))
	}

	for tag, raw := range tagged {
		switch tag {
		case "Read":
			var body pipeReadBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("proto: malformed Read: %w", err)
			}
			*m = ReadUpTo(body.ReadUpTo)
		case "Data":
			var body pipeDataBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("proto: malformed Data: %w", err)
			}
			*m = Data(body.Data, body.EndOffset)
		case "Closed":
			var body pipeClosedBody
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("proto: malformed Closed: %w", err)
			}
			*m = Closed(body.EndOffset)
		default:
			return fmt.Errorf("proto: unknown pipe message variant %q", tag)
		}
	}
	return nil
}

// --- request payloads --------------------------------------------------------

type BeginCommand struct {
	BlockFor map[ProcessId]Condition `json:"block_for"`
	Process  AbstractProcess         `json:"process"`
	Command  Command                 `json:"command"`
}

type CancelCommand struct {
	Id ProcessId `json:"id"`
}

type BeginRemote struct {
	Id      RemoteId `json:"id"`
	Command Command  `json:"command"`
}

type OpenFile struct {
	Id   GenericPipe `json:"id"`
	Path string      `json:"path"`
}

type EndRemote struct {
	Id RemoteId `json:"id"`
}

type ListDirectory struct {
	Id   uint64 `json:"id"`
	Path string `json:"path"`
}

type FinishEdit struct {
	Id   uint64 `json:"id"`
	Data []byte `json:"data"`
}

type PipeFrame struct {
	Id  GenericPipe `json:"id"`
	Msg PipeMessage `json:"msg"`
}

// --- response payloads -------------------------------------------------------

type RemoteReady struct {
	Info RemoteInfo `json:"info"`
}

type CommandDone struct {
	Id       ProcessId `json:"id"`
	ExitCode int64     `json:"exit_code"`
}

type DirectoryListing struct {
	Id    uint64   `json:"id"`
	Items []string `json:"items"`
}

type EditRequest struct {
	CommandId ProcessId `json:"command_id"`
	EditId    uint64    `json:"edit_id"`
	Name      string    `json:"name"`
	Data      []byte    `json:"data"`
}

// --- message unions ----------------------------------------------------------

// RequestMessage is the frontend-to-backend union. Exactly one field is
// non-nil; the JSON form is externally tagged by the field name.
type RequestMessage struct {
	BeginCommand   *BeginCommand  `json:"BeginCommand,omitempty"`
	CancelCommand  *CancelCommand `json:"CancelCommand,omitempty"`
	BeginRemote    *BeginRemote   `json:"BeginRemote,omitempty"`
	OpenOutputFile *OpenFile      `json:"OpenOutputFile,omitempty"`
	OpenInputFile  *OpenFile      `json:"OpenInputFile,omitempty"`
	EndRemote      *EndRemote     `json:"EndRemote,omitempty"`
	ListDirectory  *ListDirectory `json:"ListDirectory,omitempty"`
	FinishEdit     *FinishEdit    `json:"FinishEdit,omitempty"`
	Pipe           *PipeFrame     `json:"Pipe,omitempty"`
}

func (m RequestMessage) variants() int {
	n := 0
	for _, set := range []bool{
		m.BeginCommand != nil, m.CancelCommand != nil, m.BeginRemote != nil,
		m.OpenOutputFile != nil, m.OpenInputFile != nil, m.EndRemote != nil,
		m.ListDirectory != nil, m.FinishEdit != nil, m.Pipe != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// ResponseMessage is the backend-to-frontend union. Exactly one field is
// non-nil.
type ResponseMessage struct {
	RemoteReady      *RemoteReady      `json:"RemoteReady,omitempty"`
	CommandDone      *CommandDone      `json:"CommandDone,omitempty"`
	DirectoryListing *DirectoryListing `json:"DirectoryListing,omitempty"`
	EditRequest      *EditRequest      `json:"EditRequest,omitempty"`
	Pipe             *PipeFrame        `json:"Pipe,omitempty"`
}

func (m ResponseMessage) variants() int {
	n := 0
	for _, set := range []bool{
		m.RemoteReady != nil, m.CommandDone != nil, m.DirectoryListing != nil,
		m.EditRequest != nil, m.Pipe != nil,
	} {
		if set {
			n++
		}
	}
	return n
}
