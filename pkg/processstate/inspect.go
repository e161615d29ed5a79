package processstate

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/process"
)

// Liveness is the OS view of a supervised process.
type Liveness struct {
	Running bool
	Zombie  bool
}

// Alive is true only for a running, non-zombie process.
func (l Liveness) Alive() bool {
	return l.Running && !l.Zombie
}

// Inspect combines the existence probe with the scheduler status so that
// defunct processes are not mistaken for live ones.
func Inspect(ctx context.Context, pid int) (Liveness, error) {
	running, err := IsProcessRunning(pid)
	if err != nil || !running {
		return Liveness{}, err
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Liveness{}, nil
		}
		return Liveness{Running: true}, err
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Liveness{}, nil
		}
		// Status is not implemented everywhere (Windows); existence is all we know.
		return Liveness{Running: true}, nil
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return Liveness{Running: true, Zombie: true}, nil
		}
	}
	return Liveness{Running: true}, nil
}
