//go:build linux || darwin

package processstate

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectDetectsZombie(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	// Not reaped yet: the child stays defunct until Wait.
	defer func() { _ = cmd.Wait() }()

	var liveness Liveness
	require.Eventually(t, func() bool {
		var err error
		liveness, err = Inspect(context.Background(), pid)
		return err == nil && liveness.Zombie
	}, 3*time.Second, 20*time.Millisecond)
	assert.False(t, liveness.Alive())
}

func TestInspectReapedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	liveness, err := Inspect(context.Background(), cmd.Process.Pid)
	require.NoError(t, err)
	assert.False(t, liveness.Running)
}
