// parse_line.go
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var (
	ErrEmptyLine    = errors.New("empty line")
	ErrTrailingJSON = errors.New("trailing data")
)

// ParseStrictJSONLine strictly decodes one newline-framed JSON value into dst.
//
// Intended for low-trust wire frames: exactly one JSON value per line, no
// unknown object fields, no trailing payload after the value.
//
//   - Malformed JSON syntax (bad tokens, truncated frame) bubbles up from
//     encoding/json
//   - Blank line (whitespace only) => ErrEmptyLine
//   - More than one JSON value on the line => ErrTrailingJSON
//   - Unknown object fields rejected via DisallowUnknownFields
//   - Field-type mismatches => *json.UnmarshalTypeError
func ParseStrictJSONLine[T any](line []byte, dst *T) error {
	if len(bytesTrimSpace(line)) == 0 {
		return ErrEmptyLine
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing JSON values
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}

func bytesTrimSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\n' || b[i] == '\t' || b[i] == '\r') {
		i++
	}
	j := len(b) - 1
	for j >= i && (b[j] == ' ' || b[j] == '\n' || b[j] == '\t' || b[j] == '\r') {
		j--
	}
	return b[i : j+1]
}
