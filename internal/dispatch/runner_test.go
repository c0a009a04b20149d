package dispatch

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSourceBash(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	e := NewExecutor(10*time.Second, 0, nil)

	out := e.RunSource(context.Background(), "bash", "echo hello\n")
	require.True(t, out.Success, "stderr: %s", out.Stderr)
	assert.Equal(t, "hello\n", out.Output)

	out = e.RunSource(context.Background(), "bash", "echo oops >&2\nexit 3\n")
	assert.False(t, out.Success)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "oops\n", out.Stderr)
}

func TestRunSourceTimeout(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	e := NewExecutor(200*time.Millisecond, 0, nil)

	out := e.RunSource(context.Background(), "bash", "sleep 5\n")
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.Contains(t, out.Reason, "timed out")
}

func TestRunSourceMissingToolchainSkips(t *testing.T) {
	e := NewExecutor(0, 0, nil)
	e.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	out := e.RunSource(context.Background(), "swift", "print(1)")
	assert.True(t, out.Skipped)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "swift")
}

func TestRunSourceUnknownLanguage(t *testing.T) {
	e := NewExecutor(0, 0, nil)
	out := e.RunSource(context.Background(), "cobol", "DISPLAY 'HI'.")
	assert.True(t, out.Infra)
	assert.Contains(t, out.Reason, "cobol")
}

func TestCommentPrefixAndExtension(t *testing.T) {
	assert.Equal(t, "#", CommentPrefix("python"))
	assert.Equal(t, "//", CommentPrefix("rust"))
	assert.Equal(t, "#", CommentPrefix("unknown"))
	assert.Equal(t, ".py", FileExtension("python"))
	assert.Equal(t, ".kts", FileExtension("kotlin"))
}
