package childprocess

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptChildProcessSuccessfulExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "true")
	scp := New(cmd, nil)
	require.NoError(t, scp.Start())

	select {
	case res := <-scp.Done():
		assert.Equal(t, 0, res.ExitCode)
		assert.False(t, res.Killed)
		assert.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not report completion")
	}
}

func TestScriptChildProcessNonZeroExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 7")
	scp := New(cmd, nil)
	require.NoError(t, scp.Start())

	res := <-scp.Done()
	assert.Equal(t, 7, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestScriptChildProcessKill(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "trap 'exit 0' INT; sleep 5")
	scp := New(cmd, nil)
	require.NoError(t, scp.Start())
	require.NotZero(t, scp.Pid())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	scp.Kill(ctx)

	select {
	case <-scp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after Kill")
	}
}

func TestScriptChildProcessStartTwiceIsNoOp(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "true")
	scp := New(cmd, nil)
	require.NoError(t, scp.Start())
	require.NoError(t, scp.Start())
	<-scp.Done()
}
