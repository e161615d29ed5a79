//go:build linux

package monitoring

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port

	probe, err := NewProbe(config.HealthCheckConfig{
		Type:    config.HealthCheckTypePort,
		Target:  config.ProbeTarget(strconv.Itoa(port)),
		Timeout: 5,
	}, logging.Nop())
	require.NoError(t, err)

	ok, message := probe.Check(context.Background())
	assert.True(t, ok, message)

	require.NoError(t, listener.Close())
	ok, _ = probe.Check(context.Background())
	assert.False(t, ok)
}

func TestProcessProbe(t *testing.T) {
	self := filepath.Base(os.Args[0])

	probe, err := NewProbe(config.HealthCheckConfig{
		Type:    config.HealthCheckTypeProcess,
		Target:  config.ProbeTarget(self),
		Timeout: 10,
	}, logging.Nop())
	require.NoError(t, err)

	ok, message := probe.Check(context.Background())
	assert.True(t, ok, message)

	probe, err = NewProbe(config.HealthCheckConfig{
		Type:    config.HealthCheckTypeProcess,
		Target:  config.ProbeTarget("no-such-process-" + strconv.FormatInt(time.Now().UnixNano(), 36)),
		Timeout: 10,
	}, logging.Nop())
	require.NoError(t, err)
	ok, _ = probe.Check(context.Background())
	assert.False(t, ok)
}

func TestInspectorOwnProcess(t *testing.T) {
	inspector := NewProcessInspector()
	ctx := context.Background()

	rss, err := inspector.MemoryRSS(ctx, os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))

	cpu, err := inspector.CPUPercent(ctx, os.Getpid(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cpu, 0.0)

	liveness, err := inspector.Liveness(ctx, os.Getpid())
	require.NoError(t, err)
	assert.True(t, liveness.Alive())
}

func TestSystemSampler(t *testing.T) {
	stats, err := NewSystemSampler(50*time.Millisecond, "/").Sample(context.Background())
	require.NoError(t, err)
	for _, v := range []float64{stats.CPUPercent, stats.MemoryPercent, stats.DiskPercent} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}
