// Package exec is the execution engine: it consumes scheduler tasks, spawns
// OS processes with registry pipes bound to their stdio, supervises exit and
// cancellation, streams pipe output in-band, and implements the built-in
// commands including the edit rendezvous.
//
// The engine is a single actor. One goroutine owns the scheduler, the pipe
// registry and the working directory; everything else talks to it through
// the event mailbox. Auxiliary goroutines exist only to wait on children and
// to drain pipe read ends, and they communicate by posting events.
package exec

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Warrelis/nak/internal/machine"
	"github.com/Warrelis/nak/internal/pipes"
	"github.com/Warrelis/nak/internal/proto"
)

// RunCmd is an enqueued unit: the command plus its three stdio bindings.
type RunCmd struct {
	Cmd    proto.Command
	Stdin  proto.ReadPipe
	Stdout proto.WritePipe
	Stderr proto.WritePipe
}

// Reporter is the engine's outbound surface. The backend implements it by
// writing response frames; implementations must be safe for use from the
// engine goroutine alongside other writers of the same stream.
type Reporter interface {
	PipeData(id proto.GenericPipe, data []byte, endOffset uint64) error
	PipeClosed(id proto.GenericPipe, endOffset uint64) error
	CommandDone(id proto.ProcessId, exitCode int64) error
	EditRequest(commandId proto.ProcessId, editId uint64, name string, data []byte) error
}

type stateKind int

const (
	stateRunning stateKind = iota
	stateAwaitingEdit
)

// processState is the opaque payload the engine parks in the scheduler for a
// running process.
type processState struct {
	kind stateKind
	pgid int
}

type pendingEdit struct {
	pid  proto.ProcessId
	path string
	rc   RunCmd
}

// --- mailbox events ----------------------------------------------------------

type event interface{ isEvent() }

type evEnqueue struct {
	pid      proto.ProcessId
	cmd      RunCmd
	blockFor map[proto.ProcessId]proto.Condition
}

type evCompleted struct {
	pid      proto.ProcessId
	exitCode int64
}

type evOpenOutputFile struct {
	pipe proto.WritePipe
	path string
}

type evOpenInputFile struct {
	pipe proto.ReadPipe
	path string
}

type evCancel struct {
	pid proto.ProcessId
}

type evBeginRead struct {
	pipe proto.GenericPipe
}

type evAdvertiseRead struct {
	pipe proto.GenericPipe
	upTo uint64
}

type evPipeData struct {
	pipe proto.GenericPipe
	data []byte
}

type evPipeClosed struct {
	pipe proto.GenericPipe
}

type evEditComplete struct {
	editId uint64
	data   []byte
}

func (evEnqueue) isEvent()        {}
func (evCompleted) isEvent()      {}
func (evOpenOutputFile) isEvent() {}
func (evOpenInputFile) isEvent()  {}
func (evCancel) isEvent()         {}
func (evBeginRead) isEvent()      {}
func (evAdvertiseRead) isEvent()  {}
func (evPipeData) isEvent()       {}
func (evPipeClosed) isEvent()     {}
func (evEditComplete) isEvent()   {}

// Engine is the handle other goroutines use to talk to the actor.
type Engine struct {
	log *zap.Logger
	rep Reporter

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the actor goroutine.
	machine  *machine.Machine[proto.ProcessId, RunCmd, processState]
	registry *pipes.Registry
	ids      *proto.Ids
	cwd      string

	offsets     map[proto.GenericPipe]uint64
	readers     map[proto.GenericPipe]struct{}
	owners      map[proto.GenericPipe]proto.ProcessId
	pendingEOF  map[proto.ProcessId]int
	pendingDone map[proto.ProcessId]int64
	edits       map[uint64]pendingEdit
}

// New builds an engine and starts its actor goroutine. The initial working
// directory is the process cwd.
func New(log *zap.Logger, rep Reporter) *Engine {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}
	e := &Engine{
		log:         log.Named("exec"),
		rep:         rep,
		events:      make(chan event, 64),
		done:        make(chan struct{}),
		machine:     machine.New[proto.ProcessId, RunCmd, processState](log),
		registry:    pipes.NewRegistry(log),
		ids:         proto.NewIds(),
		cwd:         cwd,
		offsets:     make(map[proto.GenericPipe]uint64),
		readers:     make(map[proto.GenericPipe]struct{}),
		owners:      make(map[proto.GenericPipe]proto.ProcessId),
		pendingEOF:  make(map[proto.ProcessId]int),
		pendingDone: make(map[proto.ProcessId]int64),
		edits:       make(map[uint64]pendingEdit),
	}
	go e.loop()
	return e
}

// Close stops the actor. Pending events are dropped; running children are
// left to the OS.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Enqueue admits a process gated on blockFor.
func (e *Engine) Enqueue(pid proto.ProcessId, cmd RunCmd, blockFor map[proto.ProcessId]proto.Condition) {
	e.post(evEnqueue{pid: pid, cmd: cmd, blockFor: blockFor})
}

// Cancel best-effort kills a running process. Cancelling an already finished
// process is a no-op.
func (e *Engine) Cancel(pid proto.ProcessId) {
	e.post(evCancel{pid: pid})
}

// OpenOutputFile binds pipe to a freshly created file.
func (e *Engine) OpenOutputFile(pipe proto.WritePipe, path string) {
	e.post(evOpenOutputFile{pipe: pipe, path: path})
}

// OpenInputFile binds pipe to an existing file opened read-only.
func (e *Engine) OpenInputFile(pipe proto.ReadPipe, path string) {
	e.post(evOpenInputFile{pipe: pipe, path: path})
}

// BeginRead attaches a reader to the pipe's read end and streams its bytes
// back as Data frames, then one Closed frame at EOF.
func (e *Engine) BeginRead(pipe proto.GenericPipe) {
	e.post(evBeginRead{pipe: pipe})
}

// AdvertiseRead records a byte budget for the pipe. Advisory only.
func (e *Engine) AdvertiseRead(pipe proto.GenericPipe, upTo uint64) {
	e.post(evAdvertiseRead{pipe: pipe, upTo: upTo})
}

// FinishEdit resumes the process suspended on editId with the edited data.
func (e *Engine) FinishEdit(editId uint64, data []byte) {
	e.post(evEditComplete{editId: editId, data: data})
}

// --- actor loop --------------------------------------------------------------

func (e *Engine) loop() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case evEnqueue:
		e.processTasks(e.machine.Enqueue(ev.pid, ev.cmd, ev.blockFor))
	case evCompleted:
		e.completed(ev.pid, ev.exitCode)
	case evOpenOutputFile:
		if err := e.registry.OpenOutputFile(ev.pipe, ev.path); err != nil {
			// Remembered by the registry; the failure surfaces when a
			// process binds the pipe.
			e.log.Warn("open output file", zap.String("path", ev.path), zap.Error(err))
		}
	case evOpenInputFile:
		if err := e.registry.OpenInputFile(ev.pipe, ev.path); err != nil {
			e.log.Warn("open input file", zap.String("path", ev.path), zap.Error(err))
		}
	case evCancel:
		e.cancel(ev.pid)
	case evBeginRead:
		e.beginRead(ev.pipe)
	case evAdvertiseRead:
		e.log.Debug("read budget advertised",
			zap.Uint64("pipe", uint64(ev.pipe)), zap.Uint64("up_to", ev.upTo))
	case evPipeData:
		e.offsets[ev.pipe] += uint64(len(ev.data))
		e.report(e.rep.PipeData(ev.pipe, ev.data, e.offsets[ev.pipe]))
	case evPipeClosed:
		e.pipeClosed(ev.pipe)
	case evEditComplete:
		e.editComplete(ev.editId, ev.data)
	}
}

func (e *Engine) report(err error) {
	if err != nil {
		e.log.Error("report", zap.Error(err))
	}
}

// processTasks drives scheduler verdicts to fixpoint: starting a task may
// finish it synchronously, which unlocks more tasks.
func (e *Engine) processTasks(tasks []machine.Task[proto.ProcessId, RunCmd]) {
	for len(tasks) > 0 {
		var next []machine.Task[proto.ProcessId, RunCmd]
		for _, t := range tasks {
			switch t.Kind {
			case machine.TaskStart:
				out, err := e.run(t.Id, t.Cmd)
				switch {
				case err != nil:
					e.log.Warn("run failed", zap.Uint64("pid", uint64(t.Id)), zap.Error(err))
					e.discardStdio(t.Cmd)
					next = append(next, e.machine.StartCompleted(t.Id, proto.Failure)...)
					e.report(e.rep.CommandDone(t.Id, 1))
				case out.finished:
					e.discardStdio(t.Cmd)
					next = append(next, e.machine.StartCompleted(t.Id, proto.StatusFromCode(out.exitCode))...)
					e.report(e.rep.CommandDone(t.Id, out.exitCode))
				default:
					e.machine.Start(t.Id, out.state)
				}
			case machine.TaskConditionFailed:
				// Scheduler verdict: the process never spawns. Free its pipe
				// write ends so any attached readers see EOF.
				e.discardStdio(t.Cmd)
				e.report(e.rep.CommandDone(t.Id, 1))
			}
		}
		tasks = next
	}
}

// discardStdio claims and closes whatever stdio endpoints the process would
// have bound, so the other halves observe EOF instead of hanging.
func (e *Engine) discardStdio(rc RunCmd) {
	e.registry.DiscardRead(rc.Stdin)
	e.registry.DiscardWrite(rc.Stdout)
	e.registry.DiscardWrite(rc.Stderr)
}

// completed handles a waiter's exit report. If the process still has in-band
// readers draining its stdio, the completion report is held back until every
// one of them has delivered its Closed frame; this keeps Data before
// CommandDone on the wire.
func (e *Engine) completed(pid proto.ProcessId, exitCode int64) {
	if e.pendingEOF[pid] > 0 {
		e.pendingDone[pid] = exitCode
		return
	}
	e.finishCompleted(pid, exitCode)
}

func (e *Engine) finishCompleted(pid proto.ProcessId, exitCode int64) {
	e.report(e.rep.CommandDone(pid, exitCode))
	e.processTasks(e.machine.Completed(pid, proto.StatusFromCode(exitCode)))
}

func (e *Engine) cancel(pid proto.ProcessId) {
	if st, ok := e.machine.Running(pid); ok {
		if st.kind != stateRunning {
			panic("exec: cancel of a process without an OS child")
		}
		if err := unix.Kill(-st.pgid, unix.SIGKILL); err != nil {
			e.log.Warn("kill", zap.Uint64("pid", uint64(pid)), zap.Error(err))
		}
		return
	}
	if _, ok := e.machine.Finished(pid); ok {
		// Idempotent: the process already exited.
		e.log.Debug("cancel of finished process", zap.Uint64("pid", uint64(pid)))
		return
	}
	panic("exec: cancel of unknown process")
}

func (e *Engine) beginRead(pipe proto.GenericPipe) {
	if _, ok := e.readers[pipe]; ok {
		panic("exec: second reader on pipe")
	}
	f, err := e.registry.ClaimRead(proto.ReadPipe(pipe))
	if err != nil {
		e.log.Warn("begin read", zap.Uint64("pipe", uint64(pipe)), zap.Error(err))
		e.report(e.rep.PipeClosed(pipe, e.offsets[pipe]))
		return
	}
	e.readers[pipe] = struct{}{}
	if owner, ok := e.owners[pipe]; ok {
		e.pendingEOF[owner]++
	}
	go e.drain(pipe, f)
}

// drain pumps one pipe's read end into the mailbox in small chunks. Read
// errors are translated into EOF; the engine never hears about them
// directly.
func (e *Engine) drain(pipe proto.GenericPipe, f *os.File) {
	defer f.Close()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.post(evPipeData{pipe: pipe, data: chunk})
		}
		if err != nil {
			e.post(evPipeClosed{pipe: pipe})
			return
		}
	}
}

func (e *Engine) pipeClosed(pipe proto.GenericPipe) {
	e.report(e.rep.PipeClosed(pipe, e.offsets[pipe]))
	delete(e.offsets, pipe)
	delete(e.readers, pipe)
	owner, owned := e.owners[pipe]
	delete(e.owners, pipe)
	if !owned {
		return
	}
	e.pendingEOF[owner]--
	if e.pendingEOF[owner] > 0 {
		return
	}
	delete(e.pendingEOF, owner)
	if code, ok := e.pendingDone[owner]; ok {
		delete(e.pendingDone, owner)
		e.finishCompleted(owner, code)
	}
}

func (e *Engine) editComplete(editId uint64, data []byte) {
	edit, ok := e.edits[editId]
	if !ok {
		e.log.Warn("finish-edit for unknown edit", zap.Uint64("edit_id", editId))
		return
	}
	delete(e.edits, editId)

	code := int64(0)
	if err := os.WriteFile(edit.path, data, 0o644); err != nil {
		e.log.Warn("write edited file", zap.String("path", edit.path), zap.Error(err))
		code = 1
	}
	e.discardStdio(edit.rc)
	e.completed(edit.pid, code)
}
