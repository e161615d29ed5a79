package metricsstore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"

	"github.com/goccy/go-json"
)

const (
	// maxLineSize bounds one stored sample.
	maxLineSize = 1024 * 1024

	storeFileMode os.FileMode = 0644
)

// ServiceStats is the per-service part of a sample.
type ServiceStats struct {
	PID          int     `json:"pid,omitempty"`
	State        string  `json:"state"`
	RSSMB        float64 `json:"rss_mb"`
	CPUPercent   float64 `json:"cpu_percent"`
	RestartCount int     `json:"restart_count"`
}

type Stats struct {
	monitoring.SystemStats
	Services map[string]ServiceStats `json:"services,omitempty"`
}

// MetricSample is one line of the store: {"timestamp": ..., "stats": {...}}.
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Stats     Stats     `json:"stats"`
}

// CleanupResult reports what a retention pass did.
type CleanupResult struct {
	Kept    int
	Dropped int
}

// Recorder is an append-only JSON lines store with retention-based compaction.
type Recorder struct {
	path   string
	logger logging.Logger
	now    func() time.Time

	mutex sync.Mutex
}

func NewRecorder(path string, logger logging.Logger) *Recorder {
	return &Recorder{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Recorder) Path() string {
	return r.path
}

// Record appends one sample. A zero timestamp is replaced by the current time.
func (r *Recorder) Record(sample MetricSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	line, err := json.Marshal(sample)
	if err != nil {
		return errors.NewInternalError("failed to encode metric sample", err)
	}
	line = append(line, '\n')

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return errors.NewIOError("failed to create metrics directory", err).WithContext("path", r.path)
	}
	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, storeFileMode)
	if err != nil {
		return errors.NewIOError("failed to open metrics store", err).WithContext("path", r.path)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return errors.NewIOError("failed to append metric sample", err).WithContext("path", r.path)
	}
	if err := file.Close(); err != nil {
		return errors.NewIOError("failed to close metrics store", err).WithContext("path", r.path)
	}
	return nil
}

// Samples returns every well-formed sample in file order.
func (r *Recorder) Samples() ([]MetricSample, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var samples []MetricSample
	err := r.scan(func(line []byte) {
		var sample MetricSample
		if json.Unmarshal(line, &sample) == nil {
			samples = append(samples, sample)
		}
	})
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	return samples, err
}

// Cleanup keeps only samples with timestamp >= now - retentionDays. The store
// is rewritten into a temporary file in the same directory, synced and renamed
// over the original, so the live store is never truncated in place. Lines that
// cannot be decoded are dropped.
func (r *Recorder) Cleanup(retentionDays int) (CleanupResult, error) {
	var result CleanupResult
	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	var kept bytes.Buffer
	err := r.scan(func(line []byte) {
		var header struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &header); err != nil || header.Timestamp.IsZero() {
			result.Dropped++
			return
		}
		if header.Timestamp.Before(cutoff) {
			result.Dropped++
			return
		}
		kept.Write(line)
		kept.WriteByte('\n')
		result.Kept++
	})
	if err != nil {
		if errors.IsNotFoundError(err) {
			return result, nil
		}
		return result, err
	}

	if err := r.replace(kept.Bytes()); err != nil {
		return result, err
	}
	r.logger.Infof("Metrics cleanup finished, kept: %d, dropped: %d, cutoff: %s", result.Kept, result.Dropped, cutoff.Format(time.RFC3339))
	return result, nil
}

func (r *Recorder) scan(fn func(line []byte)) error {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("metrics store does not exist", err).WithContext("path", r.path)
		}
		return errors.NewIOError("failed to open metrics store", err).WithContext("path", r.path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return errors.NewIOError("failed to read metrics store", err).WithContext("path", r.path)
	}
	return nil
}

func (r *Recorder) replace(content []byte) error {
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return errors.NewIOError("failed to create temporary metrics file", err).WithContext("directory", dir)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(storeFileMode); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to set metrics file mode", err).WithContext("path", tmpPath)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to write temporary metrics file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to sync temporary metrics file", err).WithContext("path", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewIOError("failed to close temporary metrics file", err).WithContext("path", tmpPath)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return errors.NewIOError("failed to replace metrics store", err).WithContext("path", r.path)
	}
	committed = true
	return nil
}
