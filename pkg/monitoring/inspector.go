package monitoring

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/processstate"

	"github.com/shirou/gopsutil/v4/process"
)

type gopsutilInspector struct{}

// NewProcessInspector returns the OS-backed inspector.
func NewProcessInspector() ProcessInspector {
	return gopsutilInspector{}
}

func (gopsutilInspector) MemoryRSS(ctx context.Context, pid int) (uint64, error) {
	proc, err := lookup(ctx, pid)
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, translate(err)
	}
	return info.RSS, nil
}

func (gopsutilInspector) CPUPercent(ctx context.Context, pid int, window time.Duration) (float64, error) {
	proc, err := lookup(ctx, pid)
	if err != nil {
		return 0, err
	}
	percent, err := proc.PercentWithContext(ctx, window)
	if err != nil {
		return 0, translate(err)
	}
	return percent, nil
}

func (gopsutilInspector) Liveness(ctx context.Context, pid int) (processstate.Liveness, error) {
	return processstate.Inspect(ctx, pid)
}

func lookup(ctx context.Context, pid int) (*process.Process, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, translate(err)
	}
	return proc, nil
}

func translate(err error) error {
	if stderrors.Is(err, process.ErrorProcessNotRunning) {
		return ErrProcessGone
	}
	return err
}
