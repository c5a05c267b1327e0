package engine

import (
	"io"
	"os"
	"path/filepath"

	"github.com/CloudflareHackers/QDM/internal/model"
)

// assemble concatenates a download's part-files in ascending offset order
// into the final artifact, overwriting any existing file at that path, and
// removes the scratch directory on success. On failure the scratch directory
// is left intact so a later retry can reuse every finished range.
func (e *Engine) assemble(d *model.Download, scratchDir string) error {
	finalPath := d.FinalPath()
	if err := os.MkdirAll(d.SaveDir, 0o755); err != nil {
		return &AssembleError{Err: err}
	}
	if err := e.allocator.CheckSpace(finalPath, d.TotalSize); err != nil {
		return &AssembleError{Err: err}
	}

	out, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &AssembleError{Err: err}
	}

	buf := e.getBuffer()
	defer e.putBuffer(buf)

	for _, seg := range d.Segments {
		part, err := os.Open(filepath.Join(scratchDir, seg.ID+".part"))
		if err != nil {
			out.Close()
			return &AssembleError{Err: err}
		}
		_, err = io.CopyBuffer(out, part, buf)
		part.Close()
		if err != nil {
			out.Close()
			return &AssembleError{Err: err}
		}
	}
	if err := out.Close(); err != nil {
		return &AssembleError{Err: err}
	}

	if err := os.RemoveAll(scratchDir); err != nil {
		e.logger.Warn("failed to remove scratch directory", "id", d.ID, "dir", scratchDir, "error", err)
	}
	return nil
}
