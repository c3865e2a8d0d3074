package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one serialized event in the JSONL log.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// LogWriter appends bus events to daily rotated JSONL files. Purely
// diagnostic; losing it never affects queue behavior.
type LogWriter struct {
	logDir      string
	currentFile *os.File
	currentDate string
	mu          sync.Mutex
}

// NewLogWriter creates a writer rotating daily in logDir.
func NewLogWriter(logDir string) (*LogWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	w := &LogWriter{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize event log file: %w", err)
	}
	return w, nil
}

// Attach subscribes the writer to both event kinds on the bus.
func (w *LogWriter) Attach(bus *Bus) {
	bus.SubscribeSceneError(func(e SceneError) {
		_ = w.write(KindSceneError, e.Timestamp, e)
	})
	bus.SubscribeSceneFixed(func(e SceneFixed) {
		_ = w.write(KindSceneFixed, e.Timestamp, e)
	})
}

func (w *LogWriter) write(kind Kind, ts time.Time, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}
	line, err := json.Marshal(Record{Timestamp: ts, Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to serialize event record: %w", err)
	}

	if _, err := w.currentFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event record: %w", err)
	}
	return nil
}

func (w *LogWriter) rotateIfNeeded() error {
	newDate := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current event log: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current log file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}
	return nil
}

// ReadRecords parses all records from one event log file.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log file: %w", err)
	}

	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("failed to parse event record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
