// Package machine is the dependency-gated process scheduler. It tracks which
// processes are waiting on predecessors, which are ready, which are running
// and which have finished, and emits start/fail tasks as predecessors
// complete.
//
// The machine holds no execution state of its own beyond the opaque State
// payload; it is driven entirely by its owner and is not safe for concurrent
// use. The execution engine confines it to the engine actor.
package machine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

// TaskKind discriminates scheduler verdicts.
type TaskKind int

const (
	// TaskStart means the process's preconditions cleared and it should run.
	TaskStart TaskKind = iota
	// TaskConditionFailed means a precondition can never be met; the process
	// is finalized as Failure and must never spawn.
	TaskConditionFailed
)

// Task is a scheduler verdict emitted by Enqueue, StartCompleted or
// Completed. Callers drive emitted tasks to fixpoint before feeding the
// machine its next event.
type Task[Id comparable, Cmd any] struct {
	Kind TaskKind
	Id   Id
	Cmd  Cmd
}

type waiting[Id comparable, Cmd any] struct {
	cmd        Cmd
	conditions map[Id]proto.Condition
}

type checkEntry[Id comparable] struct {
	cond proto.Condition
	id   Id
}

// Machine tracks the four disjoint process sets. Every enqueued id lives in
// exactly one of finished, toRun, running or waitingOn at any time.
// checkOnCompleted is the reverse index of waitingOn, in insertion order, so
// wakeup on completion is a single map lookup.
type Machine[Id comparable, Cmd, State any] struct {
	log *zap.Logger

	finished         map[Id]proto.ExitStatus
	toRun            map[Id]struct{}
	running          map[Id]State
	checkOnCompleted map[Id][]checkEntry[Id]
	waitingOn        map[Id]waiting[Id, Cmd]
}

func New[Id comparable, Cmd, State any](log *zap.Logger) *Machine[Id, Cmd, State] {
	return &Machine[Id, Cmd, State]{
		log:              log.Named("machine"),
		finished:         make(map[Id]proto.ExitStatus),
		toRun:            make(map[Id]struct{}),
		running:          make(map[Id]State),
		checkOnCompleted: make(map[Id][]checkEntry[Id]),
		waitingOn:        make(map[Id]waiting[Id, Cmd]),
	}
}

// Running returns the execution state of a currently running process.
func (m *Machine[Id, Cmd, State]) Running(id Id) (State, bool) {
	st, ok := m.running[id]
	return st, ok
}

// Finished returns the exit status of a finished process.
func (m *Machine[Id, Cmd, State]) Finished(id Id) (proto.ExitStatus, bool) {
	st, ok := m.finished[id]
	return st, ok
}

func (m *Machine[Id, Cmd, State]) known(id Id) bool {
	if _, ok := m.finished[id]; ok {
		return true
	}
	if _, ok := m.toRun[id]; ok {
		return true
	}
	if _, ok := m.running[id]; ok {
		return true
	}
	_, ok := m.waitingOn[id]
	return ok
}

// Enqueue admits a new process gated on blockFor, a set of per-predecessor
// conditions. Predecessors that already finished are resolved eagerly: a
// mismatch finalizes the new process as Failure immediately and it never
// enters the graph. If nothing is left to wait for, the process is ready and
// a Start task is returned.
//
// The id must not already be known to the machine; every predecessor must be.
func (m *Machine[Id, Cmd, State]) Enqueue(id Id, cmd Cmd, blockFor map[Id]proto.Condition) []Task[Id, Cmd] {
	m.log.Debug("enqueue", zap.Any("id", id))
	if m.known(id) {
		panic(fmt.Sprintf("machine: enqueue of known id %v", id))
	}

	stillBlocked := make(map[Id]proto.Condition)
	for pred, cond := range blockFor {
		if status, ok := m.finished[pred]; ok {
			if !proto.ConditionMet(cond, status) {
				m.finished[id] = proto.Failure
				return []Task[Id, Cmd]{{Kind: TaskConditionFailed, Id: id, Cmd: cmd}}
			}
			continue
		}
		if !m.known(pred) {
			panic(fmt.Sprintf("machine: %v blocks on unknown id %v", id, pred))
		}
		stillBlocked[pred] = cond
	}

	if len(stillBlocked) == 0 {
		m.toRun[id] = struct{}{}
		return []Task[Id, Cmd]{{Kind: TaskStart, Id: id, Cmd: cmd}}
	}

	for pred, cond := range stillBlocked {
		m.checkOnCompleted[pred] = append(m.checkOnCompleted[pred], checkEntry[Id]{cond: cond, id: id})
	}
	m.waitingOn[id] = waiting[Id, Cmd]{cmd: cmd, conditions: stillBlocked}
	return nil
}

// Start moves a ready process into running, attaching the engine's opaque
// execution state.
func (m *Machine[Id, Cmd, State]) Start(id Id, state State) {
	m.log.Debug("start", zap.Any("id", id))
	if _, ok := m.toRun[id]; !ok {
		panic(fmt.Sprintf("machine: start of id %v that is not ready", id))
	}
	delete(m.toRun, id)
	m.running[id] = state
}

// StartCompleted finalizes a ready process that finished synchronously (a
// built-in, or a spawn that failed outright), skipping the running state.
func (m *Machine[Id, Cmd, State]) StartCompleted(id Id, status proto.ExitStatus) []Task[Id, Cmd] {
	m.log.Debug("start completed", zap.Any("id", id), zap.String("status", string(status)))
	if _, ok := m.toRun[id]; !ok {
		panic(fmt.Sprintf("machine: start-completed of id %v that is not ready", id))
	}
	delete(m.toRun, id)
	m.finished[id] = status
	return m.resolve(id, status)
}

// Completed moves a running process into finished and wakes dependents.
func (m *Machine[Id, Cmd, State]) Completed(id Id, status proto.ExitStatus) []Task[Id, Cmd] {
	m.log.Debug("completed", zap.Any("id", id), zap.String("status", string(status)))
	if _, ok := m.running[id]; !ok {
		panic(fmt.Sprintf("machine: completed for id %v that is not running", id))
	}
	delete(m.running, id)
	m.finished[id] = status
	return m.resolve(id, status)
}

// resolve drains the reverse index for a finished id, in insertion order.
// A dependent whose condition is contradicted is finalized as Failure on the
// spot and its own dependents resolve transitively; recursion depth is
// bounded by graph height since each id is finalized at most once.
func (m *Machine[Id, Cmd, State]) resolve(id Id, status proto.ExitStatus) []Task[Id, Cmd] {
	var tasks []Task[Id, Cmd]

	blocked := m.checkOnCompleted[id]
	delete(m.checkOnCompleted, id)

	for _, entry := range blocked {
		w, ok := m.waitingOn[entry.id]
		if !ok {
			// Already finalized through another predecessor's failure, earlier
			// in this resolution wave or in a previous one.
			continue
		}

		if !proto.ConditionMet(entry.cond, status) {
			delete(m.waitingOn, entry.id)
			m.finished[entry.id] = proto.Failure
			tasks = append(tasks, Task[Id, Cmd]{Kind: TaskConditionFailed, Id: entry.id, Cmd: w.cmd})
			tasks = append(tasks, m.resolve(entry.id, proto.Failure)...)
			continue
		}

		delete(w.conditions, id)
		if len(w.conditions) == 0 {
			delete(m.waitingOn, entry.id)
			m.toRun[entry.id] = struct{}{}
			tasks = append(tasks, Task[Id, Cmd]{Kind: TaskStart, Id: entry.id, Cmd: w.cmd})
		}
	}

	return tasks
}
