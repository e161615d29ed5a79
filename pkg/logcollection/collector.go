package logcollection

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"

	"gopkg.in/natefinch/lumberjack.v2"
)

// maxLineLength caps a single buffered line; longer output is flushed as is.
const maxLineLength = 64 * 1024

type CollectorConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// ForwardToLogger also echoes every captured line to the supervisor log at debug level.
	ForwardToLogger bool
}

// ServiceLogStatus reports collection activity for one service.
type ServiceLogStatus struct {
	Path           string
	LinesProcessed int64
	BytesProcessed int64
	LastActivity   time.Time
}

// Collector captures the combined stdout/stderr of supervised services into
// one rotated file per service. Writers survive restarts of the service.
type Collector struct {
	config CollectorConfig
	files  *processfile.ProcessFileManager
	logger logging.Logger

	mutex    sync.Mutex
	services map[string]*serviceLog
	now      func() time.Time
}

func NewCollector(config CollectorConfig, files *processfile.ProcessFileManager, logger logging.Logger) *Collector {
	if config.MaxSizeMB == 0 {
		config.MaxSizeMB = 50
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 5
	}
	return &Collector{
		config:   config,
		files:    files,
		logger:   logger,
		services: make(map[string]*serviceLog),
		now:      time.Now,
	}
}

// Writer returns the output sink for a service, creating it on first use.
func (c *Collector) Writer(service string) (io.Writer, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if log, ok := c.services[service]; ok {
		return log, nil
	}

	path := c.files.GenerateServiceLogFilePath(service)
	if err := processfile.ValidatePIDFileDirectory(path); err != nil {
		return nil, errors.NewIOError("service log directory is not usable", err).WithContext(errors.ContextService, service)
	}

	log := &serviceLog{
		service: service,
		path:    path,
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    c.config.MaxSizeMB,
			MaxBackups: c.config.MaxBackups,
			MaxAge:     c.config.MaxAgeDays,
		},
		collector: c,
	}
	c.services[service] = log
	c.logger.Debugf("Collecting service output, service: %s, path: %s", service, path)
	return log, nil
}

// Status returns collection counters for a service.
func (c *Collector) Status(service string) (ServiceLogStatus, bool) {
	c.mutex.Lock()
	log, ok := c.services[service]
	c.mutex.Unlock()
	if !ok {
		return ServiceLogStatus{}, false
	}
	return log.status(), true
}

// Close flushes pending partial lines and closes every file.
func (c *Collector) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	collection := errors.NewErrorCollection()
	for name, log := range c.services {
		if err := log.close(); err != nil {
			collection.Add(errors.NewIOError("failed to close service log", err).WithContext(errors.ContextService, name))
		}
	}
	c.services = make(map[string]*serviceLog)
	return collection.ToError()
}

// serviceLog splits the raw byte stream into timestamped lines.
type serviceLog struct {
	service   string
	path      string
	file      *lumberjack.Logger
	collector *Collector

	mutex          sync.Mutex
	pending        []byte
	linesProcessed int64
	bytesProcessed int64
	lastActivity   time.Time
}

func (l *serviceLog) Write(p []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		if err := l.writeLine(l.pending[:i]); err != nil {
			return len(p), err
		}
		l.pending = l.pending[i+1:]
	}
	if len(l.pending) > maxLineLength {
		if err := l.writeLine(l.pending); err != nil {
			return len(p), err
		}
		l.pending = nil
	}
	return len(p), nil
}

func (l *serviceLog) writeLine(line []byte) error {
	line = bytes.TrimRight(line, "\r")
	now := l.collector.now()

	var buf bytes.Buffer
	buf.Grow(len(line) + 32)
	buf.WriteString(now.Format("2006-01-02 15:04:05.000"))
	buf.WriteByte(' ')
	buf.Write(line)
	buf.WriteByte('\n')

	l.linesProcessed++
	l.bytesProcessed += int64(len(line))
	l.lastActivity = now

	if l.collector.config.ForwardToLogger {
		l.collector.logger.Debugf("[%s] %s", l.service, line)
	}

	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return errors.NewIOError("failed to write service output", err).WithContext(errors.ContextService, l.service)
	}
	return nil
}

func (l *serviceLog) status() ServiceLogStatus {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return ServiceLogStatus{
		Path:           l.path,
		LinesProcessed: l.linesProcessed,
		BytesProcessed: l.bytesProcessed,
		LastActivity:   l.lastActivity,
	}
}

func (l *serviceLog) close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if len(l.pending) > 0 {
		_ = l.writeLine(l.pending)
		l.pending = nil
	}
	return l.file.Close()
}
