package shell

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/pkg/schema"
)

func newTestRunner(opts ...RunnerOption) *Runner {
	return NewRunner(logging.NewForTest(), opts...)
}

func TestRun_CapturesOutput(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), Command{Script: "echo hello; echo oops >&2"})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Killed)
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), Command{Script: "echo broken >&2; exit 3"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.True(t, schema.HasCode(err, schema.ErrCodeWorkflow))
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "broken")
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner()
	start := time.Now()
	res, err := r.Run(context.Background(), Command{Script: "sleep 5", Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, schema.IsTimeout(err))
	assert.True(t, res.Killed)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRun_Cancelled(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, Command{Script: "sleep 5"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(WithBaseEnv([]string{"PATH=" + os.Getenv("PATH"), "GREETING=hi"}))
	res, err := r.Run(context.Background(), Command{
		Script: `pwd; echo "$GREETING $TARGET"`,
		Dir:    dir,
		Env:    map[string]string{"GREETING": "hello", "TARGET": "world"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "hello world", lines[1])
}

func TestRun_EmptyScript(t *testing.T) {
	_, err := newTestRunner().Run(context.Background(), Command{Script: "  "})
	assert.True(t, schema.IsValidation(err))
}

func TestRun_OutputLimit(t *testing.T) {
	r := newTestRunner(WithMaxOutputSize(10))
	res, err := r.Run(context.Background(), Command{Script: "printf '0123456789abcdef'"})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", res.Stdout)
}

func TestResult_ParsedStdout(t *testing.T) {
	res := &Result{Stdout: "{\"version\": \"1.2.0\"}\n"}
	v, ok := res.ParsedStdout()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"version": "1.2.0"}, v)

	_, ok = (&Result{Stdout: "plain text"}).ParsedStdout()
	assert.False(t, ok)
	_, ok = (&Result{}).ParsedStdout()
	assert.False(t, ok)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"A=1", "B=2"}
	assert.Equal(t, base, mergeEnv(base, nil))
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, mergeEnv(base, map[string]string{"C": "4", "B": "3"}))
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 4}
	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, err = lw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", buf.String())
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, WriteText(path, "first"))
	require.NoError(t, WriteText(path, "second"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
