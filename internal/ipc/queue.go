package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Queue directory names inside a room's IPC namespace.
const (
	DirMessages  = "messages"
	DirTasks     = "tasks"
	DirResponses = "responses"
	// DirErrors holds dead-lettered files for every room, at the IPC root.
	DirErrors = "errors"

	claimedSuffix     = ".claimed"
	defaultMaxAttempt = 3
)

// Entry is a claimed request file.
type Entry struct {
	Room     string
	Dir      string
	Name     string
	Data     []byte
	Attempts int // Failed dispatches before this claim.

	claimed string
}

// Queue is a per-room, single-consumer request queue.
type Queue interface {
	// EnsureRoom creates the room's namespace.
	EnsureRoom(room string) error
	// Rooms lists rooms that have a namespace.
	Rooms() ([]string, error)
	// Enqueue adds a request file and returns its name.
	Enqueue(room, dir string, data []byte) (string, error)
	// Next claims the oldest pending file of a room across all directories.
	Next(room string) (*Entry, bool, error)
	// Ack removes a processed file.
	Ack(e *Entry) error
	// Nack returns a file for retry, or dead-letters it once its attempts
	// are exhausted. It reports whether the file was dead-lettered.
	Nack(e *Entry, cause error) (bool, error)
	// DeadLetter moves a file to the dead-letter directory immediately.
	DeadLetter(e *Entry, cause error) error
	// Respond publishes a response document for a processed file.
	Respond(room, name string, data []byte) error
	// PruneResponses removes a room's responses older than maxAge and
	// returns how many were removed.
	PruneResponses(room string, maxAge time.Duration) (int, error)
	// Recover returns files claimed by a crashed consumer to pending.
	Recover() error
}

// DirQueue is a Queue backed by a directory tree:
//
//	<root>/<room>/messages/<epoch-ms>-<hex>.json
//	<root>/<room>/tasks/<epoch-ms>-<hex>.json
//	<root>/<room>/responses/<name>
//	<root>/errors/<room>-<name>
type DirQueue struct {
	root        string
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// NewDirQueue creates a queue rooted at root.
func NewDirQueue(root string, maxAttempts int) (*DirQueue, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempt
	}
	if err := os.MkdirAll(filepath.Join(root, DirErrors), 0o755); err != nil {
		return nil, fmt.Errorf("creating ipc root: %w", err)
	}
	return &DirQueue{root: root, maxAttempts: maxAttempts, attempts: make(map[string]int)}, nil
}

// RoomDir returns the host path of a room's namespace.
func (q *DirQueue) RoomDir(room string) string {
	return filepath.Join(q.root, room)
}

func (q *DirQueue) EnsureRoom(room string) error {
	for _, d := range []string{DirMessages, DirTasks, DirResponses} {
		if err := os.MkdirAll(filepath.Join(q.root, room, d), 0o755); err != nil {
			return fmt.Errorf("creating ipc dir for %s: %w", room, err)
		}
	}
	return nil
}

func (q *DirQueue) Rooms() ([]string, error) {
	entries, err := os.ReadDir(q.root)
	if err != nil {
		return nil, fmt.Errorf("listing ipc rooms: %w", err)
	}
	var rooms []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != DirErrors && !strings.HasPrefix(e.Name(), ".") {
			rooms = append(rooms, e.Name())
		}
	}
	return rooms, nil
}

func (q *DirQueue) Enqueue(room, dir string, data []byte) (string, error) {
	target := filepath.Join(q.root, room, dir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("creating queue dir: %w", err)
	}
	name := NewFileName(time.Now())
	if err := writeAtomic(target, name, data); err != nil {
		return "", err
	}
	return name, nil
}

type candidate struct {
	dir, name string
}

func (q *DirQueue) Next(room string) (*Entry, bool, error) {
	var cands []candidate
	for _, dir := range []string{DirMessages, DirTasks} {
		entries, err := os.ReadDir(filepath.Join(q.root, room, dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("listing %s/%s: %w", room, dir, err)
		}
		for _, e := range entries {
			if isPending(e) {
				cands = append(cands, candidate{dir: dir, name: e.Name()})
			}
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := strings.Compare(a.name, b.name); c != 0 {
			return c
		}
		return strings.Compare(a.dir, b.dir)
	})

	for _, c := range cands {
		src := filepath.Join(q.root, room, c.dir, c.name)
		dst := src + claimedSuffix
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // claimed elsewhere
			}
			return nil, false, fmt.Errorf("claiming %s: %w", c.name, err)
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", c.name, err)
		}
		q.mu.Lock()
		attempts := q.attempts[src]
		q.mu.Unlock()
		return &Entry{Room: room, Dir: c.dir, Name: c.name, Data: data, Attempts: attempts, claimed: dst}, true, nil
	}
	return nil, false, nil
}

func (q *DirQueue) Ack(e *Entry) error {
	q.forget(e)
	if err := os.Remove(e.claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", e.Name, err)
	}
	return nil
}

func (q *DirQueue) Nack(e *Entry, cause error) (bool, error) {
	key := q.pendingPath(e)
	q.mu.Lock()
	q.attempts[key]++
	n := q.attempts[key]
	q.mu.Unlock()

	if n >= q.maxAttempts {
		return true, q.DeadLetter(e, cause)
	}
	if err := os.Rename(e.claimed, key); err != nil {
		return false, fmt.Errorf("releasing %s: %w", e.Name, err)
	}
	return false, nil
}

func (q *DirQueue) DeadLetter(e *Entry, cause error) error {
	q.forget(e)
	dir := filepath.Join(q.root, DirErrors)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dead-letter dir: %w", err)
	}
	dst := filepath.Join(dir, e.Room+"-"+e.Name)
	if err := os.Rename(e.claimed, dst); err != nil {
		return fmt.Errorf("dead-lettering %s: %w", e.Name, err)
	}
	if cause != nil {
		_ = os.WriteFile(dst+".error", []byte(cause.Error()+"\n"), 0o644)
	}
	return nil
}

func (q *DirQueue) Respond(room, name string, data []byte) error {
	dir := filepath.Join(q.root, room, DirResponses)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating responses dir: %w", err)
	}
	return writeAtomic(dir, name, data)
}

// PruneResponses drops responses nobody collected. A sandbox that exits
// before reading its answer would otherwise leave it behind forever.
func (q *DirQueue) PruneResponses(room string, maxAge time.Duration) (int, error) {
	dir := filepath.Join(q.root, room, DirResponses)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing responses: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, de := range entries {
		fi, err := de.Info()
		if err != nil || !fi.Mode().IsRegular() || fi.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

func (q *DirQueue) Recover() error {
	rooms, err := q.Rooms()
	if err != nil {
		return err
	}
	for _, room := range rooms {
		for _, dir := range []string{DirMessages, DirTasks} {
			matches, _ := filepath.Glob(filepath.Join(q.root, room, dir, "*"+claimedSuffix))
			for _, m := range matches {
				if err := os.Rename(m, strings.TrimSuffix(m, claimedSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("recovering %s: %w", m, err)
				}
			}
		}
	}
	return nil
}

func (q *DirQueue) pendingPath(e *Entry) string {
	return strings.TrimSuffix(e.claimed, claimedSuffix)
}

func (q *DirQueue) forget(e *Entry) {
	q.mu.Lock()
	delete(q.attempts, q.pendingPath(e))
	q.mu.Unlock()
}

func isPending(e fs.DirEntry) bool {
	name := e.Name()
	return !e.IsDir() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".json")
}

// NewFileName returns "<epoch-ms>-<6 hex>.json".
func NewFileName(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b) + ".json"
}

// FileTime recovers the creation time encoded in a request file name.
func FileTime(name string) (time.Time, bool) {
	ms, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

// writeAtomic writes data to a hidden temp file in dir and renames it to name.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing %s: %w", name, err)
	}
	return nil
}
