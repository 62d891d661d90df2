// Package pipes maps opaque pipe ids onto OS endpoints. A pipe id names a
// logical byte stream with at most one reader and one writer; the physical
// backing is either the two halves of an OS pipe, or a file opened for one
// direction only.
package pipes

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

type side struct {
	file    *os.File
	claimed bool
}

type entry struct {
	read  side
	write side
	// file-backed entries never materialize the opposite side
	fileBacked bool
	// deferred open failure, surfaced at claim time
	openErr error
}

// Registry tracks the live endpoints per pipe id. Claiming a side transfers
// ownership of the underlying file to the caller, who is responsible for
// closing it; the registry only enforces at-most-one claim per side.
//
// Not safe for concurrent use; the execution engine confines it to the
// engine actor.
type Registry struct {
	log     *zap.Logger
	entries map[proto.GenericPipe]*entry
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:     log.Named("pipes"),
		entries: make(map[proto.GenericPipe]*entry),
	}
}

// materialize returns the entry for id, allocating both halves of an OS pipe
// on first reference.
func (r *Registry) materialize(id proto.GenericPipe) (*entry, error) {
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	read, write, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipes: allocate pipe %d: %w", id, err)
	}
	e := &entry{read: side{file: read}, write: side{file: write}}
	r.entries[id] = e
	r.log.Debug("pipe allocated", zap.Uint64("pipe", uint64(id)))
	return e, nil
}

// ClaimRead hands out the read end of a pipe. Claiming a side twice is a
// programming error.
func (r *Registry) ClaimRead(id proto.ReadPipe) (*os.File, error) {
	e, err := r.materialize(id.Generic())
	if err != nil {
		return nil, err
	}
	if e.openErr != nil {
		return nil, e.openErr
	}
	if e.read.claimed {
		panic(fmt.Sprintf("pipes: read side of pipe %d claimed twice", uint64(id)))
	}
	if e.read.file == nil {
		panic(fmt.Sprintf("pipes: pipe %d has no read end", uint64(id)))
	}
	e.read.claimed = true
	f := e.read.file
	e.read.file = nil
	return f, nil
}

// ClaimWrite hands out the write end of a pipe.
func (r *Registry) ClaimWrite(id proto.WritePipe) (*os.File, error) {
	e, err := r.materialize(id.Generic())
	if err != nil {
		return nil, err
	}
	if e.openErr != nil {
		return nil, e.openErr
	}
	if e.write.claimed {
		panic(fmt.Sprintf("pipes: write side of pipe %d claimed twice", uint64(id)))
	}
	if e.write.file == nil {
		panic(fmt.Sprintf("pipes: pipe %d has no write end", uint64(id)))
	}
	e.write.claimed = true
	f := e.write.file
	e.write.file = nil
	return f, nil
}

// DiscardRead claims and immediately closes the read side of id if it is
// still unclaimed, materializing the pipe if needed. Used when a process is
// finalized without ever spawning, so the opposite half observes EOF.
func (r *Registry) DiscardRead(id proto.ReadPipe) {
	e, err := r.materialize(id.Generic())
	if err != nil {
		r.log.Warn("discard read", zap.Uint64("pipe", uint64(id)), zap.Error(err))
		return
	}
	if e.read.claimed || e.read.file == nil {
		return
	}
	e.read.claimed = true
	e.read.file.Close()
	e.read.file = nil
}

// DiscardWrite is DiscardRead for the write side.
func (r *Registry) DiscardWrite(id proto.WritePipe) {
	e, err := r.materialize(id.Generic())
	if err != nil {
		r.log.Warn("discard write", zap.Uint64("pipe", uint64(id)), zap.Error(err))
		return
	}
	if e.write.claimed || e.write.file == nil {
		return
	}
	e.write.claimed = true
	e.write.file.Close()
	e.write.file = nil
}

// HasRead reports whether the read side of id exists and is still
// unclaimed.
func (r *Registry) HasRead(id proto.ReadPipe) bool {
	e, ok := r.entries[id.Generic()]
	return ok && !e.read.claimed && e.read.file != nil
}

// FileBacked reports whether id was bound to a file by OpenOutputFile or
// OpenInputFile.
func (r *Registry) FileBacked(id proto.GenericPipe) bool {
	e, ok := r.entries[id]
	return ok && e.fileBacked
}

// OpenOutputFile eagerly creates path (truncating) and installs it as the
// write side of id. The read side never exists; nobody reads a write-only
// file handle through the registry. An open failure is recorded and
// surfaced when the side is claimed.
func (r *Registry) OpenOutputFile(id proto.WritePipe, path string) error {
	if _, ok := r.entries[id.Generic()]; ok {
		panic(fmt.Sprintf("pipes: pipe %d already has endpoints", uint64(id)))
	}
	f, err := os.Create(path)
	if err != nil {
		r.entries[id.Generic()] = &entry{fileBacked: true, openErr: fmt.Errorf("pipes: open output file %q: %w", path, err)}
		return fmt.Errorf("pipes: open output file %q: %w", path, err)
	}
	r.entries[id.Generic()] = &entry{write: side{file: f}, fileBacked: true}
	r.log.Debug("output file bound", zap.Uint64("pipe", uint64(id)), zap.String("path", path))
	return nil
}

// OpenInputFile eagerly opens path read-only and installs it as the read
// side of id.
func (r *Registry) OpenInputFile(id proto.ReadPipe, path string) error {
	if _, ok := r.entries[id.Generic()]; ok {
		panic(fmt.Sprintf("pipes: pipe %d already has endpoints", uint64(id)))
	}
	f, err := os.Open(path)
	if err != nil {
		r.entries[id.Generic()] = &entry{fileBacked: true, openErr: fmt.Errorf("pipes: open input file %q: %w", path, err)}
		return fmt.Errorf("pipes: open input file %q: %w", path, err)
	}
	r.entries[id.Generic()] = &entry{read: side{file: f}, fileBacked: true}
	r.log.Debug("input file bound", zap.Uint64("pipe", uint64(id)), zap.String("path", path))
	return nil
}
