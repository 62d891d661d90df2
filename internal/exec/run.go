package exec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	osexec "os/exec"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/env"
	"github.com/Warrelis/nak/internal/proto"
)

type runOutcome struct {
	state    processState
	finished bool
	exitCode int64
}

func alreadyDone(code int64) runOutcome {
	return runOutcome{finished: true, exitCode: code}
}

// run starts one scheduler-approved process. External commands spawn an OS
// child plus a waiter goroutine; built-ins complete synchronously except for
// Edit, which parks the process until the frontend answers.
func (e *Engine) run(pid proto.ProcessId, rc RunCmd) (runOutcome, error) {
	e.log.Debug("run", zap.Uint64("pid", uint64(pid)), zap.Stringer("cmd", rc.Cmd))

	switch rc.Cmd.Kind {
	case proto.CmdUnknown:
		return e.spawn(pid, rc)
	case proto.CmdSetDirectory:
		return e.setDirectory(rc), nil
	case proto.CmdGetDirectory:
		e.writeBuiltin(rc.Stdout, e.cwd+"\n")
		return alreadyDone(0), nil
	case proto.CmdEdit:
		return e.beginEdit(pid, rc)
	}
	return runOutcome{}, fmt.Errorf("exec: unknown command kind %d", int(rc.Cmd.Kind))
}

func (e *Engine) spawn(pid proto.ProcessId, rc RunCmd) (runOutcome, error) {
	stdin, err := e.registry.ClaimRead(rc.Stdin)
	if err != nil {
		return runOutcome{}, err
	}
	stdout, err := e.registry.ClaimWrite(rc.Stdout)
	if err != nil {
		stdin.Close()
		return runOutcome{}, err
	}
	stderr, err := e.registry.ClaimWrite(rc.Stderr)
	if err != nil {
		stdin.Close()
		stdout.Close()
		return runOutcome{}, err
	}

	cmd := osexec.Command(rc.Cmd.Path, rc.Cmd.Args...)
	cmd.Dir = e.cwd
	cmd.Env = env.Published(env.NewCommandKey())
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so cancellation can kill the whole subtree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		// The failure reason goes to the stderr pipe; the caller reports
		// exit 1 after it.
		fmt.Fprintf(stderr, "nak: %v\n", err)
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return runOutcome{}, err
	}

	// The child holds duplicates now; drop ours so readers see EOF when the
	// child exits.
	stdin.Close()
	stdout.Close()
	stderr.Close()

	pgid := cmd.Process.Pid
	e.adopt(pid, rc.Stdout.Generic())
	e.adopt(pid, rc.Stderr.Generic())

	go e.wait(pid, cmd)

	return runOutcome{state: processState{kind: stateRunning, pgid: pgid}}, nil
}

// adopt ties a forwarded stdio pipe to its process so the completion report
// can wait for the pipe's Closed frame. File-backed pipes are not forwarded
// and stay orphaned.
func (e *Engine) adopt(pid proto.ProcessId, pipe proto.GenericPipe) {
	if e.registry.FileBacked(pipe) {
		return
	}
	e.owners[pipe] = pid
	if _, active := e.readers[pipe]; active {
		e.pendingEOF[pid]++
	}
}

// wait blocks on the child and posts its exit. A wait failure that produced
// no exit status is reported as -1.
func (e *Engine) wait(pid proto.ProcessId, cmd *osexec.Cmd) {
	err := cmd.Wait()
	code := int64(-1)
	if cmd.ProcessState != nil {
		code = int64(cmd.ProcessState.ExitCode())
	}
	if err != nil {
		var exitErr *osexec.ExitError
		if !errors.As(err, &exitErr) {
			e.log.Warn("wait", zap.Uint64("pid", uint64(pid)), zap.Error(err))
			code = -1
		}
	}
	e.log.Debug("exit", zap.Uint64("pid", uint64(pid)), zap.Int64("code", code))
	e.post(evCompleted{pid: pid, exitCode: code})
}

func (e *Engine) setDirectory(rc RunCmd) runOutcome {
	dir := rc.Cmd.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.cwd, dir)
	}
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	switch {
	case err != nil:
		e.writeBuiltin(rc.Stderr, fmt.Sprintf("Error: %v\n", err))
		return alreadyDone(1)
	case !info.IsDir():
		e.writeBuiltin(rc.Stderr, fmt.Sprintf("Error: %s is not a directory\n", dir))
		return alreadyDone(1)
	}

	e.cwd = dir
	e.writeBuiltin(rc.Stderr, fmt.Sprintf("changed directory to %s\n", dir))
	return alreadyDone(0)
}

// writeBuiltin delivers built-in output through the pipe's write end, the
// same path an OS child would use, so redirections and in-band readers
// behave identically.
func (e *Engine) writeBuiltin(pipe proto.WritePipe, text string) {
	f, err := e.registry.ClaimWrite(pipe)
	if err != nil {
		e.log.Warn("builtin output", zap.Uint64("pipe", uint64(pipe)), zap.Error(err))
		return
	}
	if _, err := f.WriteString(text); err != nil {
		e.log.Warn("builtin output", zap.Uint64("pipe", uint64(pipe)), zap.Error(err))
	}
	f.Close()
}

func (e *Engine) beginEdit(pid proto.ProcessId, rc RunCmd) (runOutcome, error) {
	contents, err := os.ReadFile(rc.Cmd.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return runOutcome{}, fmt.Errorf("exec: read %q for edit: %w", rc.Cmd.Path, err)
		}
		// First-time edits are allowed; absent files read as empty.
		contents = nil
	}

	editId := e.ids.Next()
	e.edits[editId] = pendingEdit{pid: pid, path: rc.Cmd.Path, rc: rc}
	e.report(e.rep.EditRequest(pid, editId, rc.Cmd.Path, contents))

	return runOutcome{state: processState{kind: stateAwaitingEdit}}, nil
}
