package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LogTimeLayout is the timestamp embedded in diagnostic log file names.
const LogTimeLayout = "20060102_150405"

const logFileSuffix = ".log"

// MaxLogBytes bounds the size of the log returned by ReadLatestLog. Longer
// logs are truncated to their most recent lines.
const MaxLogBytes = 1 << 20

// ErrNoLog is returned by ReadLatestLog when no log file exists.
var ErrNoLog = errors.New("no log found")

// NewLogFile creates (or opens for appending) the diagnostic log file for a
// process started at t.
func NewLogFile(dir string, t time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, t.Format(LogTimeLayout)+logFileSuffix)
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// logGeneration extracts the numeric generation timestamp from a log file
// name, e.g. 20240102_030405.log -> 20240102030405.
func logGeneration(name string) (int64, bool) {
	stem, ok := strings.CutSuffix(name, logFileSuffix)
	if !ok || stem == "" {
		return 0, false
	}
	digits := strings.ReplaceAll(stem, "_", "")
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	gen, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// latestLogFile returns the path of the log file in dir with the greatest
// generation timestamp.
func latestLogFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoLog
		}
		return "", err
	}
	var (
		latest string
		maxGen int64 = -1
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		gen, ok := logGeneration(e.Name())
		if !ok {
			continue
		}
		if gen > maxGen {
			maxGen = gen
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", ErrNoLog
	}
	return filepath.Join(dir, latest), nil
}

// ReadLatestLog returns the content of the most recent diagnostic log file,
// or its last lines if it is larger than the configured limit. It returns
// ErrNoLog if there is none.
func (s *Store) ReadLatestLog() (string, error) {
	path, err := latestLogFile(s.logDir)
	if err != nil {
		if !errors.Is(err, ErrNoLog) {
			err = fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return "", err
	}
	data, err := readTail(path, s.maxLogBytes)
	if err != nil {
		return "", fmt.Errorf("%w: cannot read %s: %v", ErrStorage, path, err)
	}
	return string(data), nil
}

// readTail returns at most the last limit bytes of the file at path. A
// truncated result starts at the first complete line.
func readTail(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() <= limit {
		return io.ReadAll(f)
	}
	data := make([]byte, limit)
	if _, err := f.ReadAt(data, fi.Size()-limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	return data, nil
}
