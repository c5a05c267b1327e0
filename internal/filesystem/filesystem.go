// Package filesystem holds the small set of on-disk concerns that sit
// outside the engine's core state machine: disk-space guarding ahead of
// part-file allocation, filename sanitation, and presentational category
// tagging.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/shirou/gopsutil/v3/disk"
)

// Allocator checks free disk space before a Segment Worker or the Assembler
// commits to writing size bytes at path.
type Allocator struct {
	// SafetyMarginBytes is reserved beyond the requested size so the volume
	// never bottoms out exactly at zero free bytes.
	SafetyMarginBytes int64
}

// NewAllocator returns an Allocator with a 100MB safety margin.
func NewAllocator() *Allocator {
	return &Allocator{SafetyMarginBytes: 100 * 1024 * 1024}
}

// CheckSpace returns an error if the volume containing path does not have
// at least size bytes plus the safety margin free. size == model.UnknownSize
// (negative) skips the check — there is nothing to compare against yet.
func (a *Allocator) CheckSpace(path string, size int64) error {
	if size < 0 {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filesystem: create dir: %w", err)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("filesystem: check disk space: %w", err)
	}
	if int64(usage.Free) < size+a.SafetyMarginBytes {
		return fmt.Errorf("filesystem: disk full: need %d bytes, have %d free", size, usage.Free)
	}
	return nil
}

// AllocateFile checks free space and then truncates path to size, so the
// volume reserves the blocks up front instead of failing midway through a
// long-running segment write. size == model.UnknownSize skips truncation.
func (a *Allocator) AllocateFile(path string, size int64) error {
	if err := a.CheckSpace(path, size); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("filesystem: open for allocation: %w", err)
	}
	defer f.Close()
	if size < 0 {
		return nil
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("filesystem: pre-allocate: %w", err)
	}
	return nil
}

// forbiddenChars are replaced with "_" in a derived file name, mirroring
// Windows' reserved path characters.
const forbiddenChars = `<>:"/\|?*`

// SanitizeFileName makes a candidate safe as an on-disk leaf name:
// forbidden characters and control bytes become "_", leading dots are
// stripped, the result is trimmed and capped at 255 bytes. An empty result
// (or one that only contained forbidden/control bytes) falls back to the
// caller-supplied synthetic name.
func SanitizeFileName(candidate, syntheticFallback string) string {
	if candidate == "" {
		return syntheticFallback
	}
	var b strings.Builder
	for _, r := range candidate {
		switch {
		case strings.ContainsRune(forbiddenChars, r):
			b.WriteByte('_')
		case unicode.IsControl(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	name = strings.TrimSpace(name)
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" {
		return syntheticFallback
	}
	return name
}

// categoryByExtension maps a file extension to its display category. The
// tag is purely presentational; a finished file is never relocated into a
// category subfolder — save_dir is fixed at add time.
func categoryByExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg":
		return "Images"
	case ".mp4", ".mkv", ".mov", ".avi", ".webm", ".wmv":
		return "Videos"
	case ".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a":
		return "Music"
	case ".zip", ".rar", ".7z", ".tar", ".gz", ".iso":
		return "Archives"
	case ".pdf", ".docx", ".xlsx", ".pptx", ".txt", ".md":
		return "Documents"
	case ".exe", ".msi", ".dmg", ".pkg", ".deb":
		return "Software"
	default:
		return "Others"
	}
}

// Category returns the presentational category tag for a file name.
func Category(fileName string) string {
	return categoryByExtension(filepath.Ext(fileName))
}
