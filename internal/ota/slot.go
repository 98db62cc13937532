package ota

import (
	"fmt"
	"os"
	"path/filepath"
)

// SlotWriter receives the streamed firmware image. The flash partition
// driver implements this on the device; FileSlot is the file-backed default.
type SlotWriter interface {
	// Begin reserves the slot. size may be 0 when the feed did not report
	// a content length.
	Begin(size int64) error
	// Write appends one chunk.
	Write(p []byte) (int, error)
	// Commit finalizes the image and marks the slot as the boot target.
	Commit() error
	// Abort releases the reservation, discarding any partial write.
	Abort()
}

// FileSlot writes the image to a staging file and renames it into place on
// commit, so a torn download never replaces a good image.
type FileSlot struct {
	path string
	f    *os.File
}

// NewFileSlot stores committed images at path.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

func (s *FileSlot) Begin(size int64) error {
	if s.f != nil {
		return fmt.Errorf("slot already open")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create slot dir: %w", err)
	}
	f, err := os.Create(s.staging())
	if err != nil {
		return fmt.Errorf("open slot: %w", err)
	}
	s.f = f
	return nil
}

func (s *FileSlot) Write(p []byte) (int, error) {
	if s.f == nil {
		return 0, fmt.Errorf("slot not open")
	}
	return s.f.Write(p)
}

func (s *FileSlot) Commit() error {
	if s.f == nil {
		return fmt.Errorf("slot not open")
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		s.f = nil
		return fmt.Errorf("sync slot: %w", err)
	}
	if err := s.f.Close(); err != nil {
		s.f = nil
		return fmt.Errorf("close slot: %w", err)
	}
	s.f = nil
	if err := os.Rename(s.staging(), s.path); err != nil {
		return fmt.Errorf("commit slot: %w", err)
	}
	return nil
}

func (s *FileSlot) Abort() {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	os.Remove(s.staging())
}

func (s *FileSlot) staging() string {
	return s.path + ".partial"
}

var _ SlotWriter = (*FileSlot)(nil)
