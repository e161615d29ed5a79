package alerting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// DefaultDebounceWindow applies when no window is configured.
const DefaultDebounceWindow = 30 * time.Minute

const timestampLayout = "2006-01-02 15:04:05"

type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// AlertRecord is one alert request, delivered or suppressed.
type AlertRecord struct {
	Kind      string
	Level     Level
	Message   string
	Timestamp time.Time
}

// String renders the alert log line: [timestamp] [LEVEL] message.
func (r AlertRecord) String() string {
	return fmt.Sprintf("[%s] [%s] %s", r.Timestamp.Format(timestampLayout), strings.ToUpper(string(r.Level)), r.Message)
}

// Notifier is an external delivery channel. It only sees delivered alerts.
type Notifier interface {
	Notify(record AlertRecord) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(record AlertRecord) error

func (f NotifierFunc) Notify(record AlertRecord) error {
	return f(record)
}

// Manager appends every alert to the alert log and delivers at most one alert
// per kind within the debounce window.
type Manager struct {
	logPath   string
	window    time.Duration
	logger    logging.Logger
	notifiers []Notifier
	now       func() time.Time

	mutex    sync.Mutex
	lastSent map[string]time.Time
}

func NewManager(logPath string, window time.Duration, logger logging.Logger, notifiers ...Notifier) *Manager {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Manager{
		logPath:   logPath,
		window:    window,
		logger:    logger,
		notifiers: notifiers,
		now:       time.Now,
		lastSent:  make(map[string]time.Time),
	}
}

// SendAlert records the alert and reports whether it was delivered. A
// suppressed request is still written to the log but changes no debounce state.
// A log write failure is returned after the delivery decision has been made.
func (m *Manager) SendAlert(kind, message string, level Level) (AlertRecord, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record := AlertRecord{
		Kind:      kind,
		Level:     level,
		Message:   message,
		Timestamp: m.now(),
	}

	delivered := true
	if last, ok := m.lastSent[kind]; ok && record.Timestamp.Sub(last) < m.window {
		delivered = false
	}
	if delivered {
		m.lastSent[kind] = record.Timestamp
	}

	writeErr := m.appendLog(record)
	if writeErr != nil {
		m.logger.Errorf("Failed to write alert log, kind: %s, error: %v", kind, writeErr)
	}

	if !delivered {
		m.logger.Debugf("Alert suppressed, kind: %s, message: %s", kind, message)
		return record, false, writeErr
	}

	for _, notifier := range m.notifiers {
		if err := notifier.Notify(record); err != nil {
			m.logger.Warnf("Alert notifier failed, kind: %s, error: %v", kind, err)
		}
	}
	return record, true, writeErr
}

// LastSent returns the time the kind was last delivered.
func (m *Manager) LastSent(kind string) (time.Time, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.lastSent[kind]
	return t, ok
}

func (m *Manager) appendLog(record AlertRecord) error {
	if err := os.MkdirAll(filepath.Dir(m.logPath), 0755); err != nil {
		return errors.NewIOError("failed to create alert log directory", err).WithContext("path", m.logPath)
	}
	file, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.NewIOError("failed to open alert log", err).WithContext("path", m.logPath)
	}
	defer file.Close()
	if _, err := file.WriteString(record.String() + "\n"); err != nil {
		return errors.NewIOError("failed to append alert", err).WithContext("path", m.logPath)
	}
	return nil
}

// LogNotifier reports delivered alerts through the supervisor log.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(record AlertRecord) error {
	if record.Level == LevelCritical {
		n.logger.Errorf("Alert: %s, kind: %s", record.Message, record.Kind)
	} else {
		n.logger.Warnf("Alert: %s, kind: %s", record.Message, record.Kind)
	}
	return nil
}
