package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
)

func Test_logGeneration(t *testing.T) {
	tests := []struct {
		name   string
		want   int64
		wantOk bool
	}{
		{name: "20240102_030405.log", want: 20240102030405, wantOk: true},
		{name: "1.log", want: 1, wantOk: true},
		{name: "20240102_030405.txt"},
		{name: "app.log"},
		{name: "_.log"},
		{name: ".log"},
		{name: "2024-01-02.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := logGeneration(tt.name)
			if ok != tt.wantOk || got != tt.want {
				t.Errorf("logGeneration(%q) = %d, %v, want %d, %v",
					tt.name, got, ok, tt.want, tt.wantOk)
			}
		})
	}
}

func TestStore_ReadLatestLog(t *testing.T) {
	dataDir := t.TempDir()
	logDir := t.TempDir()
	s, err := New(dataDir, logDir, 2, time.Second)
	rtx.Must(err, "cannot create store")

	if _, err := s.ReadLatestLog(); !errors.Is(err, ErrNoLog) {
		t.Fatalf("ReadLatestLog() on empty dir returned %v, want ErrNoLog", err)
	}

	files := map[string]string{
		"20240101_120000.log": "old",
		"20240315_080000.log": "newest",
		"20231231_235959.log": "oldest",
		"notes.log":           "ignored",
		"20991231_000000.txt": "ignored",
	}
	for name, content := range files {
		rtx.Must(os.WriteFile(filepath.Join(logDir, name), []byte(content), 0o644),
			"cannot write %s", name)
	}
	got, err := s.ReadLatestLog()
	if err != nil {
		t.Fatalf("ReadLatestLog() failed: %v", err)
	}
	if got != "newest" {
		t.Errorf("ReadLatestLog() = %q, want %q", got, "newest")
	}

	missing, err := New(dataDir, filepath.Join(logDir, "missing"), 2, time.Second)
	rtx.Must(err, "cannot create store")
	if _, err := missing.ReadLatestLog(); !errors.Is(err, ErrNoLog) {
		t.Errorf("ReadLatestLog() on missing dir returned %v, want ErrNoLog", err)
	}
}

func TestNewLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	f, err := NewLogFile(dir, ts)
	if err != nil {
		t.Fatalf("NewLogFile() failed: %v", err)
	}
	defer f.Close()
	if filepath.Base(f.Name()) != "20240506_070809.log" {
		t.Errorf("unexpected log file name %s", f.Name())
	}
	_, err = f.WriteString("hello\n")
	rtx.Must(err, "cannot write log file")

	latest, err := latestLogFile(dir)
	rtx.Must(err, "cannot find latest log")
	if latest != f.Name() {
		t.Errorf("latestLogFile() = %s, want %s", latest, f.Name())
	}
}

func TestStore_ReadLatestLogTail(t *testing.T) {
	logDir := t.TempDir()
	s, err := New(t.TempDir(), logDir, 2, time.Second)
	rtx.Must(err, "cannot create store")
	s.maxLogBytes = 20

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "under-limit", content: "short\n", want: "short\n"},
		{name: "at-limit", content: "0123456789abcdefghi\n", want: "0123456789abcdefghi\n"},
		{name: "truncated-to-lines", content: "first line\nsecond line\nthird\n", want: "second line\nthird\n"},
		{name: "single-long-line", content: "xxxxxxxxxxyyyyyyyyyyzzzzzzzzzz", want: "yyyyyyyyyyzzzzzzzzzz"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Each case writes a newer log file than the previous one.
			name := filepath.Join(logDir, fmt.Sprintf("20240101_00000%d.log", i))
			rtx.Must(os.WriteFile(name, []byte(tt.content), 0o644), "cannot write log")
			got, err := s.ReadLatestLog()
			rtx.Must(err, "ReadLatestLog() failed")
			if got != tt.want {
				t.Errorf("ReadLatestLog() = %q, want %q", got, tt.want)
			}
			if int64(len(got)) > s.maxLogBytes {
				t.Errorf("ReadLatestLog() returned %d bytes, limit is %d", len(got), s.maxLogBytes)
			}
		})
	}
}
