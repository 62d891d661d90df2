package frontend

import (
	"fmt"

	"github.com/Warrelis/nak/internal/proto"
)

// Plan is the lowered form of one input line: a pipeline of commands, an
// optional stdout redirection for the last stage, and an optional gate on a
// previously started process. The parser that produces plans lives with the
// line editor; the core only consumes them.
type Plan struct {
	Stages     []proto.Command
	RedirectTo string
	BlockFor   map[proto.ProcessId]proto.Condition
}

// RunPlan submits a whole pipeline on the current remote. Adjacent stages
// share a pipe id: stage n's stdout write end and stage n+1's stdin read end
// name the same pipe, so the bytes flow inside the hosting backend and
// never cross the transport.
func (c *Client) RunPlan(p Plan) ([]proto.ProcessId, error) {
	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("frontend: empty plan")
	}
	remote := c.Session.CurrentRemote()

	ids := make([]proto.ProcessId, 0, len(p.Stages))
	stdinRead, _ := c.Endpoint.Pipe()

	for i, stage := range p.Stages {
		last := i == len(p.Stages)-1

		var blockFor map[proto.ProcessId]proto.Condition
		if i == 0 {
			blockFor = p.BlockFor
		}

		stderrRead, stderrWrite := c.Endpoint.Pipe()

		var stdoutWrite proto.WritePipe
		var stdoutRead proto.ReadPipe
		switch {
		case last && p.RedirectTo != "":
			w, err := c.Endpoint.OpenOutputFile(remote, p.RedirectTo)
			if err != nil {
				return nil, err
			}
			stdoutWrite = w
		default:
			stdoutRead, stdoutWrite = c.Endpoint.Pipe()
		}

		id, err := c.Endpoint.Command(remote, stage, blockFor, proto.StdioPipes{
			Stdin:  stdinRead,
			Stdout: stdoutWrite,
			Stderr: stderrWrite,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)

		if last && p.RedirectTo != "" {
			c.Session.TrackRedirected(id, stderrRead)
		} else if last {
			c.Session.Track(id, proto.ClientPipes{Stdin: 0, Stdout: stdoutRead, Stderr: stderrRead}, false)
			if err := c.Endpoint.PipeBeginRead(stdoutRead); err != nil {
				return nil, err
			}
		} else {
			// Intermediate stage: stdout feeds the next stage, only stderr
			// streams back.
			c.Session.TrackRedirected(id, stderrRead)
		}
		if err := c.Endpoint.PipeBeginRead(stderrRead); err != nil {
			return nil, err
		}

		// Next stage reads what this stage wrote.
		stdinRead = proto.ReadPipe(stdoutWrite)
	}
	return ids, nil
}
