package frontend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/proto"
)

func newTestSession() (*Session, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return NewSession(zap.NewNop(), &stdout, &stderr), &stdout, &stderr
}

func TestSessionTeesLiveOutput(t *testing.T) {
	s, stdout, stderr := newTestSession()

	cp := proto.ClientPipes{Stdin: 4, Stdout: 5, Stderr: 6}
	s.Track(3, cp, false)
	assert.False(t, s.Quiescent())

	require.NoError(t, s.Pipe(5, proto.Data([]byte("out\n"), 4)))
	require.NoError(t, s.Pipe(6, proto.Data([]byte("err\n"), 4)))
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())

	require.NoError(t, s.Pipe(5, proto.Closed(4)))
	require.NoError(t, s.Pipe(6, proto.Closed(4)))
	require.NoError(t, s.CommandDone(3, 0))

	assert.True(t, s.Quiescent())
	code, done := s.ProcessDone(3)
	require.True(t, done)
	assert.Equal(t, int64(0), code)
}

func TestSessionGathersOutput(t *testing.T) {
	s, stdout, _ := newTestSession()

	cp := proto.ClientPipes{Stdin: 4, Stdout: 5, Stderr: 6}
	s.Track(3, cp, true)

	require.NoError(t, s.Pipe(5, proto.Data([]byte("/home/u\n"), 8)))
	require.NoError(t, s.Pipe(5, proto.Closed(8)))

	// Gathered output never reaches the terminal.
	assert.Empty(t, stdout.String())
	assert.True(t, s.GatheredReady(5))
	got, ok := s.TakeGathered(5)
	require.True(t, ok)
	assert.Equal(t, "/home/u\n", string(got))

	// Taking consumes.
	_, ok = s.TakeGathered(5)
	assert.False(t, ok)
}

func TestSessionRemoteStack(t *testing.T) {
	s, _, _ := newTestSession()

	assert.Equal(t, proto.Root, s.CurrentRemote())

	s.ExpectRemote(proto.Root)
	require.NoError(t, s.RemoteReady(proto.Root, proto.RemoteInfo{Hostname: "local"}))
	assert.True(t, s.Quiescent())

	// RemoteReady for a remote nobody asked about is an error.
	assert.Error(t, s.RemoteReady(7, proto.RemoteInfo{}))

	s.ExpectRemote(7)
	require.NoError(t, s.RemoteReady(7, proto.RemoteInfo{Hostname: "far"}))
	assert.Equal(t, proto.RemoteId(7), s.CurrentRemote())

	top, ok := s.PopRemote()
	require.True(t, ok)
	assert.Equal(t, proto.RemoteId(7), top.Id)
	assert.Equal(t, proto.Root, s.CurrentRemote())

	// The root hop is not poppable.
	_, ok = s.PopRemote()
	assert.False(t, ok)
}

func TestSessionRejectsStrayData(t *testing.T) {
	s, _, _ := newTestSession()
	assert.Error(t, s.Pipe(99, proto.Data([]byte("x"), 1)))
	assert.Error(t, s.Pipe(99, proto.BeginRead()))
}

func TestSessionDirectoryListings(t *testing.T) {
	s, _, _ := newTestSession()
	require.NoError(t, s.DirectoryListing(13, []string{"a", "b"}))
	items, ok := s.TakeListing(13)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, items)
	_, ok = s.TakeListing(13)
	assert.False(t, ok)
}
