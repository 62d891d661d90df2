package fmtt

import (
	"errors"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
)

// PrintErrChain walks an error chain and prints each layer with its type.
func PrintErrChain(err error) {
	if err == nil {
		fmt.Fprintln(os.Stderr, "<nil>")
		return
	}

	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(os.Stderr, "[%d] %T: %v\n", i, e, e)
		i++
	}
}

// PrintErrChainDebug is PrintErrChain plus a structural dump of every layer.
// Used behind NAK_DEBUG; protocol failures are a lot easier to read when the
// wrapped frame is visible.
func PrintErrChainDebug(err error) {
	for i := 0; err != nil; err = errors.Unwrap(err) {
		fmt.Fprintf(os.Stderr, "[%d] %T: %v\n", i, err, err)
		spew.Fdump(os.Stderr, err)
		i++
	}
}
