// Package env assembles the environment a backend publishes into spawned
// commands.
package env

import (
	"encoding/base64"
	"os"

	"github.com/google/uuid"
)

// NewCommandKey mints a per-command authorization token: 16 random bytes,
// base64url without padding.
func NewCommandKey() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}

// Published returns the base process environment plus the nak-specific
// variables. PAGER and EDITOR get conservative defaults when the host
// environment does not set them; commandKey lands in NAK_COMMAND_KEY.
func Published(commandKey string) []string {
	environ := os.Environ()
	if os.Getenv("PAGER") == "" {
		environ = append(environ, "PAGER=cat")
	}
	if os.Getenv("EDITOR") == "" {
		environ = append(environ, "EDITOR=vi")
	}
	environ = append(environ, "NAK_COMMAND_KEY="+commandKey)
	return environ
}
