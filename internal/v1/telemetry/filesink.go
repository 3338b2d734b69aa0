package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fileSink appends CSV lines to a rolling output file. When the current file
// exceeds maxBytes a new one is opened; when more than maxCount files exist
// the oldest is deleted. File names carry the 5-char client id and a
// local-time stamp with seconds granularity.
type fileSink struct {
	dir      string
	clientID string
	maxBytes int64
	maxCount int

	file *os.File
	size int64
}

func newFileSink(dir, clientID string, maxBytes int64, maxCount int) (*fileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	return &fileSink{
		dir:      dir,
		clientID: clientID,
		maxBytes: maxBytes,
		maxCount: maxCount,
	}, nil
}

func (s *fileSink) fileName(now time.Time) string {
	return fmt.Sprintf("%s_%s.csv", s.clientID, now.Format("20060102150405"))
}

func (s *fileSink) open() error {
	name := filepath.Join(s.dir, s.fileName(time.Now()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Write appends one serialized snapshot and flushes it to disk.
func (s *fileSink) Write(data []byte) error {
	if s.file == nil || s.size+int64(len(data)) > s.maxBytes {
		if err := s.roll(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(data)
	s.size += int64(n)
	if err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *fileSink) roll() error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := s.open(); err != nil {
		return err
	}
	return s.enforceCount()
}

// enforceCount deletes the oldest files beyond maxCount. Names sort
// chronologically because the timestamp is zero-padded.
func (s *fileSink) enforceCount() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var names []string
	prefix := s.clientID + "_"
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.maxCount {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.maxCount] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
	return nil
}

func (s *fileSink) Close() error {
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
