package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/frontend"
	"github.com/Warrelis/nak/internal/proto"
)

// repl is a deliberately small driver: read a line, lower it to a plan, run
// it, wait for quiescence. The real line editor and parser sit outside the
// core; this covers literal and double-quoted words, pipelines, and a
// trailing "> file" redirection.
func repl(log *zap.Logger, backendPath string) error {
	client, err := frontend.Launch(log, []string{backendPath}, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer client.Close()
	client.Session.Edit = frontend.InteractiveEdit(frontend.DefaultEditor())

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(prompt(client))
		if !in.Scan() {
			return in.Err()
		}
		words, err := splitWords(in.Text())
		if err != nil {
			fmt.Fprintf(os.Stderr, "nak: %v\n", err)
			continue
		}
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "exit":
			return nil
		case "cd":
			if len(words) != 2 {
				fmt.Fprintln(os.Stderr, "nak: usage: cd <dir>")
				continue
			}
			runAndWait(client, frontend.Plan{Stages: []proto.Command{proto.SetDirectory(words[1])}})
			client.Cwd.Invalidate(client.Session.CurrentRemote())
		case "pwd":
			runAndWait(client, frontend.Plan{Stages: []proto.Command{proto.GetDirectory()}})
		case "edit":
			if len(words) != 2 {
				fmt.Fprintln(os.Stderr, "nak: usage: edit <file>")
				continue
			}
			runAndWait(client, frontend.Plan{Stages: []proto.Command{proto.Edit(words[1])}})
		case "connect":
			if len(words) < 2 {
				fmt.Fprintln(os.Stderr, "nak: usage: connect <cmd> [args...]")
				continue
			}
			if _, err := client.BeginRemote(proto.Unknown(words[1], words[2:]...)); err != nil {
				fmt.Fprintf(os.Stderr, "nak: %v\n", err)
			}
		case "disconnect":
			if err := client.EndRemote(); err != nil {
				fmt.Fprintf(os.Stderr, "nak: %v\n", err)
			}
		default:
			plan, err := lower(words)
			if err != nil {
				fmt.Fprintf(os.Stderr, "nak: %v\n", err)
				continue
			}
			runAndWait(client, plan)
		}
	}
}

func prompt(client *frontend.Client) string {
	remote := client.Session.CurrentRemote()
	dir, err := client.Cwd.Get(remote)
	if err != nil {
		dir = "?"
	}
	depth := len(client.Session.Remotes())
	if depth > 1 {
		return fmt.Sprintf("[%d] %s$ ", depth-1, dir)
	}
	return dir + "$ "
}

func runAndWait(client *frontend.Client, plan frontend.Plan) {
	if _, err := client.RunPlan(plan); err != nil {
		fmt.Fprintf(os.Stderr, "nak: %v\n", err)
		return
	}
	if err := client.WaitIdle(); err != nil {
		fmt.Fprintf(os.Stderr, "nak: %v\n", err)
	}
}

// lower turns words into a plan: "|" splits pipeline stages, a trailing
// "> file" redirects the last stage's stdout.
func lower(words []string) (frontend.Plan, error) {
	var plan frontend.Plan

	if n := len(words); n >= 2 && words[n-2] == ">" {
		plan.RedirectTo = words[n-1]
		words = words[:n-2]
	}

	var stage []string
	flush := func() error {
		if len(stage) == 0 {
			return fmt.Errorf("empty pipeline stage")
		}
		plan.Stages = append(plan.Stages, proto.Unknown(stage[0], stage[1:]...))
		stage = nil
		return nil
	}
	for _, w := range words {
		if w == "|" {
			if err := flush(); err != nil {
				return plan, err
			}
			continue
		}
		stage = append(stage, w)
	}
	if err := flush(); err != nil {
		return plan, err
	}
	return plan, nil
}

// splitWords tokenizes one input line: whitespace separates words, double
// quotes group them. No other quoting.
func splitWords(line string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inQuotes := false
	hasWord := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasWord = true
		case !inQuotes && (r == ' ' || r == '\t'):
			if hasWord {
				words = append(words, cur.String())
				cur.Reset()
				hasWord = false
			}
		default:
			cur.WriteRune(r)
			hasWord = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasWord {
		words = append(words, cur.String())
	}
	return words, nil
}
