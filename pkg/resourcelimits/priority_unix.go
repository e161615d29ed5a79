//go:build !windows

package resourcelimits

// niceValue maps a priority class onto the Unix niceness scale.
func niceValue(class PriorityClass) (int, error) {
	switch class {
	case PriorityRealtime:
		return -20, nil
	case PriorityHigh:
		return -10, nil
	case PriorityNormal:
		return 0, nil
	case PriorityLow:
		return 10, nil
	case PriorityIdle:
		return 19, nil
	}
	return 0, unsupported("priority class " + string(class))
}
