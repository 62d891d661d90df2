package proto

import (
	"bufio"
	"fmt"
	"io"
)

// Magic is the fixed ASCII line a child backend writes to stdout before any
// JSON frames. The parent reads exactly one line and compares; this is what
// line-synchronizes the stream.
const Magic = "nxQh6wsIiiFomXWE+7HQhQ==\n"

// WriteHandshake emits the magic line.
func WriteHandshake(w io.Writer) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return fmt.Errorf("proto: write handshake: %w", err)
	}
	return nil
}

// ExpectHandshake consumes one line from r and verifies it is the magic.
func ExpectHandshake(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("proto: read handshake: %w", err)
	}
	if line != Magic {
		return fmt.Errorf("proto: bad handshake %q", line)
	}
	return nil
}
