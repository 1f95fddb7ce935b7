package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshdrive/internal/vfs"
	"github.com/tunnelmesh/meshdrive/testutil"
)

type cliEnv struct {
	dir    string
	config string
}

func newCLIEnv(t *testing.T, indexed bool) *cliEnv {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	content := `
storage:
  backend: disk
  disk:
    data_dir: ` + filepath.Join(dir, "data") + `
public_url:
  container: drive
  endpoint: blob.example.net
quota:
  default_limit: 1MB
metadata:
  enabled: ` + map[bool]string{true: "true", false: "false"}[indexed] + `
  path: ` + filepath.Join(dir, "index.db") + `
identity:
  owner: alice
`
	return &cliEnv{dir: dir, config: testutil.TempFile(t, dir, "meshdrive.yaml", content)}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.config, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "meshdrive %s", strings.Join(args, " "))
	return out
}

func (e *cliEnv) list(t *testing.T, folder string) []vfs.Entry {
	t.Helper()
	args := []string{"ls", "--json"}
	if folder != "" {
		args = append(args, folder)
	}
	var entries []vfs.Entry
	require.NoError(t, json.Unmarshal([]byte(e.mustRun(t, args...)), &entries))
	return entries
}

func TestCLI_Workflow(t *testing.T) {
	for _, indexed := range []bool{false, true} {
		t.Run(map[bool]string{true: "indexed", false: "store"}[indexed], func(t *testing.T) {
			env := newCLIEnv(t, indexed)
			local := testutil.TempFile(t, env.dir, "a.txt", "hello meshdrive")

			out := env.mustRun(t, "mkdir", "Photos")
			assert.Contains(t, out, "Created Photos/")

			out = env.mustRun(t, "upload", local, "Photos")
			assert.Contains(t, out, "Uploaded Photos/a.txt")
			assert.Contains(t, out, "https://drive.blob.example.net/alice/")

			root := env.list(t, "")
			require.Len(t, root, 1)
			assert.True(t, root[0].IsFolder)
			assert.Equal(t, "Photos", root[0].Name)

			files := env.list(t, "Photos")
			require.Len(t, files, 1)
			assert.Equal(t, "a.txt", files[0].Name)
			assert.Equal(t, int64(15), files[0].Size)
			key := files[0].Key

			table := env.mustRun(t, "ls", "Photos")
			assert.Contains(t, table, "NAME")
			assert.Contains(t, table, "a.txt")

			token := strings.TrimSpace(env.mustRun(t, "share", key))
			assert.Len(t, token, 43)
			assert.Equal(t, key+"\n", env.mustRun(t, "resolve", token))

			assert.Equal(t, "hello meshdrive", env.mustRun(t, "get", key))
			assert.Equal(t, "hello meshdrive", env.mustRun(t, "get", "--token", token))

			saved := filepath.Join(env.dir, "copy.txt")
			env.mustRun(t, "get", key, "-o", saved)
			data, err := os.ReadFile(saved)
			require.NoError(t, err)
			assert.Equal(t, "hello meshdrive", string(data))

			usage := env.mustRun(t, "usage")
			assert.Contains(t, usage, "15 B")
			assert.Contains(t, usage, "1.0 MiB")

			env.mustRun(t, "rm", root[0].Key)
			assert.Empty(t, env.list(t, ""))

			_, err = env.run(t, "resolve", token)
			require.Error(t, err)
			assert.ErrorIs(t, err, vfs.ErrNotFound)
		})
	}
}

func TestCLI_QuotaExceeded(t *testing.T) {
	env := newCLIEnv(t, false)
	big := testutil.TempFile(t, env.dir, "big.bin", strings.Repeat("x", 600*1024))

	env.mustRun(t, "upload", big)
	_, err := env.run(t, "upload", big, "--name", "big2.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, vfs.ErrQuotaExceeded)
	assert.Len(t, env.list(t, ""), 1)
}

func TestCLI_OwnerFlagOverridesConfig(t *testing.T) {
	env := newCLIEnv(t, false)
	env.mustRun(t, "--owner", "bob", "mkdir", "Docs")

	assert.Empty(t, env.list(t, ""))

	out := env.mustRun(t, "--owner", "bob", "ls", "--json")
	assert.Contains(t, out, `"owner": "bob"`)
}

func TestCLI_RequiresOwner(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfg := testutil.TempFile(t, dir, "meshdrive.yaml", "storage:\n  disk:\n    data_dir: "+filepath.Join(dir, "data")+"\n")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "ls"})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errNoOwner)
}

func TestCLI_ReindexRequiresIndex(t *testing.T) {
	env := newCLIEnv(t, false)
	_, err := env.run(t, "reindex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata index is disabled")
}

func TestCLI_Reindex(t *testing.T) {
	env := newCLIEnv(t, true)
	env.mustRun(t, "mkdir", "Photos")
	env.mustRun(t, "mkdir", "Photos/2024")

	out := env.mustRun(t, "reindex")
	assert.Contains(t, out, "Indexed 2 entries for alice")
}

func TestCLI_MetricsTextfile(t *testing.T) {
	env := newCLIEnv(t, false)
	path := filepath.Join(env.dir, "meshdrive.prom")

	env.mustRun(t, "--metrics-textfile", path, "mkdir", "Photos")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `meshdrive_ops_total{op="create_folder",status="ok"} 1`)
	assert.Contains(t, string(data), "meshdrive_store_calls_total")
}

func TestCLI_InvalidConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfg := testutil.TempFile(t, dir, "meshdrive.yaml", "storage:\n  backend: tape\n")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "--owner", "alice", "ls"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestCLI_ShipsAuditLogsToLoki(t *testing.T) {
	var (
		mu   sync.Mutex
		body strings.Builder
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body.Write(data)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	cfg := testutil.TempFile(t, dir, "meshdrive.yaml", `
storage:
  disk:
    data_dir: `+filepath.Join(dir, "data")+`
identity:
  owner: alice
logging:
  loki:
    url: `+srv.URL+`
    flush_interval: 1h
`)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfg, "--log-level", "info", "mkdir", "Photos"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body.String(), `\"operation\":\"create_folder\"`)
	assert.Contains(t, body.String(), `"owner":"alice"`)
}
