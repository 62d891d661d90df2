package frontend

import (
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
)

// InteractiveEdit materializes the remote file's contents into a temp file,
// runs the user's editor on it, and returns whatever the user saved. This is
// the default EditFn for the shipped client.
func InteractiveEdit(editor string) EditFn {
	return func(name string, data []byte) ([]byte, error) {
		dir, err := os.MkdirTemp("", "nak-edit-")
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(dir)

		path := filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, err
		}

		cmd := osexec.Command(editor, path)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("frontend: editor %q: %w", editor, err)
		}

		return os.ReadFile(path)
	}
}

// DefaultEditor picks the user's editor, falling back to vi.
func DefaultEditor() string {
	if e := os.Getenv("EDITOR"); e != "" {
		return e
	}
	return "vi"
}
