package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/ids"
	"github.com/roach88/liftsync/internal/server"
	"github.com/roach88/liftsync/internal/testutil"
)

// fixture is a real server behind httptest plus a device config pointing
// at it.
type fixture struct {
	dir    string
	config string
	clock  *testutil.FakeClock
	ids    ids.Generator
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := server.Open(filepath.Join(dir, "server.db"),
		server.WithStoreClock(testutil.NewFakeClock(time.Time{})))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	v, err := server.NewValidator()
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewHandler(store, v, server.StaticTokens{"tok-alice": "alice"}))
	t.Cleanup(srv.Close)

	cfg := fmt.Sprintf(`server:
  tokens:
    tok-alice: alice
device:
  state_db: %s
  base_url: %s
  user_id: alice
  token: tok-alice
  debounce: 0s
`, filepath.Join(dir, "device.db"), srv.URL)
	path := filepath.Join(dir, "liftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	return &fixture{
		dir:    dir,
		config: path,
		clock:  testutil.NewFakeClock(time.Time{}),
		ids:    ids.NewSequence("c"),
		server: srv,
	}
}

// run executes one CLI invocation, as a separate process would.
func (f *fixture) run(args ...string) (string, string, error) {
	opts := &RootOptions{Clock: f.clock, IDs: f.ids}
	cmd := newRootCommand(opts)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config=" + f.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// must runs args and fails the test on error.
func (f *fixture) must(t *testing.T, args ...string) string {
	t.Helper()
	out, errOut, err := f.run(args...)
	require.NoError(t, err, "liftsync %v\nstdout: %s\nstderr: %s", args, out, errOut)
	return out
}

// jsonData runs args with --format json and decodes the data payload into v.
func (f *fixture) jsonData(t *testing.T, v any, args ...string) {
	t.Helper()
	out := f.must(t, append(args, "--format", "json")...)
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v), out)
}
