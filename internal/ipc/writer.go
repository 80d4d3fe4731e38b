package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Writer is the sandbox-side producer. Dir is the room's namespace as
// mounted inside the sandbox.
type Writer struct {
	Dir string
}

// Write publishes a request and returns its file name.
func (w *Writer) Write(req Request) (string, error) {
	data, err := Encode(req)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.Dir, DirFor(req))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	name := NewFileName(time.Now())
	if err := writeAtomic(dir, name, data); err != nil {
		return "", err
	}
	return name, nil
}

// WaitResponse polls for the host's response to a request. The response
// file is removed once read.
func (w *Writer) WaitResponse(ctx context.Context, name string, poll time.Duration) (*Response, error) {
	path := filepath.Join(w.Dir, DirResponses, name)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			_ = os.Remove(path)
			return DecodeResponse(data)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
