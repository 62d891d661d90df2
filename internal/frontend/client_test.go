package frontend

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Warrelis/nak/internal/backend"
	"github.com/Warrelis/nak/internal/proto"
)

// TestHelperBackendProcess is not a test: it is the backend child the tests
// below launch by re-execing the test binary.
func TestHelperBackendProcess(t *testing.T) {
	if os.Getenv("NAK_HELPER_BACKEND") != "1" {
		t.Skip("helper process")
	}
	b := backend.New(zap.NewNop(), os.Stdout)
	defer b.Close()
	if err := b.Serve(os.Stdin); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func launchTestClient(t *testing.T) (*Client, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv("NAK_HELPER_BACKEND", "1")

	var stdout, stderr bytes.Buffer
	client, err := Launch(zap.NewNop(),
		[]string{exe, "-test.run=^TestHelperBackendProcess$"}, &stdout, &stderr)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, &stdout, &stderr
}

func TestClientRunsCommand(t *testing.T) {
	client, stdout, _ := launchTestClient(t)

	id, _, err := client.Run(proto.Unknown("echo", "hello"), nil)
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())

	code, done := client.Session.ProcessDone(id)
	require.True(t, done)
	assert.Equal(t, int64(0), code)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestClientRemoteInfoAnnounced(t *testing.T) {
	client, _, _ := launchTestClient(t)

	remotes := client.Session.Remotes()
	require.Len(t, remotes, 1)
	assert.Equal(t, proto.Root, remotes[0].Id)
	assert.NotEmpty(t, remotes[0].Info.Hostname)
	assert.NotEmpty(t, remotes[0].Info.WorkingDir)
}

func TestClientDependencyGate(t *testing.T) {
	client, stdout, _ := launchTestClient(t)

	a, _, err := client.Run(proto.Unknown("/bin/sh", "-c", "exit 1"), nil)
	require.NoError(t, err)
	b, _, err := client.Run(proto.Unknown("echo", "never"),
		map[proto.ProcessId]proto.Condition{a: proto.Expect(proto.Success)})
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())

	codeA, _ := client.Session.ProcessDone(a)
	codeB, _ := client.Session.ProcessDone(b)
	assert.Equal(t, int64(1), codeA)
	assert.Equal(t, int64(1), codeB)
	assert.Empty(t, stdout.String())
}

func TestClientPipeline(t *testing.T) {
	client, stdout, _ := launchTestClient(t)

	ids, err := client.RunPlan(Plan{Stages: []proto.Command{
		proto.Unknown("/bin/sh", "-c", "printf 'one\\ntwo\\nthree\\n'"),
		proto.Unknown("wc", "-l"),
	}})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.NoError(t, client.WaitIdle())

	assert.Contains(t, stdout.String(), "3")
}

func TestClientRedirect(t *testing.T) {
	client, stdout, _ := launchTestClient(t)
	path := filepath.Join(t.TempDir(), "out.txt")

	ids, err := client.RunPlan(Plan{
		Stages:     []proto.Command{proto.Unknown("echo", "to file")},
		RedirectTo: path,
	})
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())
	code, done := client.Session.ProcessDone(ids[0])
	require.True(t, done)
	assert.Equal(t, int64(0), code)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(got))
	assert.Empty(t, stdout.String())
}

func TestClientCancel(t *testing.T) {
	client, _, _ := launchTestClient(t)

	id, _, err := client.Run(proto.Unknown("/bin/sh", "-c", "sleep 30"), nil)
	require.NoError(t, err)
	require.NoError(t, client.Cancel(id))
	require.NoError(t, client.WaitIdle())

	code, done := client.Session.ProcessDone(id)
	require.True(t, done)
	assert.NotEqual(t, int64(0), code)
}

func TestClientEditRoundTrip(t *testing.T) {
	client, _, _ := launchTestClient(t)
	path := filepath.Join(t.TempDir(), "notes.txt")

	var sawName string
	var sawData []byte
	client.Session.Edit = func(name string, data []byte) ([]byte, error) {
		sawName = name
		sawData = data
		return []byte("edited\n"), nil
	}

	id, _, err := client.Run(proto.Edit(path), nil)
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())

	code, done := client.Session.ProcessDone(id)
	require.True(t, done)
	assert.Equal(t, int64(0), code)
	assert.Equal(t, path, sawName)
	assert.Empty(t, sawData)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "edited\n", string(got))
}

func TestClientBuiltinsAndCwdCache(t *testing.T) {
	client, _, _ := launchTestClient(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	first, err := client.Cwd.Get(proto.Root)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	_, _, err = client.Run(proto.SetDirectory(dir), nil)
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())

	// Until invalidated, the snapshot is served from cache.
	cached, err := client.Cwd.Get(proto.Root)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	client.Cwd.Invalidate(proto.Root)
	fresh, err := client.Cwd.Get(proto.Root)
	require.NoError(t, err)
	assert.Equal(t, dir, fresh)
}

func TestClientCwdCacheExpires(t *testing.T) {
	client, _, _ := launchTestClient(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	first, err := client.Cwd.Get(proto.Root)
	require.NoError(t, err)

	_, _, err = client.Run(proto.SetDirectory(dir), nil)
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())

	// Expiry behaves like invalidation: once the TTL passes, the next Get
	// refreshes from the backend.
	client.Cwd.now = func() time.Time { return time.Now().Add(time.Minute) }
	fresh, err := client.Cwd.Get(proto.Root)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, dir, fresh)
}

func TestClientListDirectory(t *testing.T) {
	client, _, _ := launchTestClient(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two"), nil, 0o644))

	items, err := client.ListDirectory(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, items)
}

func TestClientNestedRemote(t *testing.T) {
	client, stdout, _ := launchTestClient(t)
	exe, err := os.Executable()
	require.NoError(t, err)

	nested, err := client.BeginRemote(proto.Unknown(exe, "-test.run=^TestHelperBackendProcess$"))
	require.NoError(t, err)
	assert.Equal(t, nested, client.Session.CurrentRemote())
	require.Len(t, client.Session.Remotes(), 2)

	// Commands now run on the nested hop; responses route back through it.
	id, _, err := client.Run(proto.Unknown("echo", "from inner"), nil)
	require.NoError(t, err)
	require.NoError(t, client.WaitIdle())
	code, done := client.Session.ProcessDone(id)
	require.True(t, done)
	assert.Equal(t, int64(0), code)
	assert.Equal(t, "from inner\n", stdout.String())

	require.NoError(t, client.EndRemote())
	assert.Equal(t, proto.Root, client.Session.CurrentRemote())
}
