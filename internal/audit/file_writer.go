package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/valyala/bytebufferpool"
)

const (
	// GenesisHash is the HashPrev of the first event of a log.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"
)

var linePool bytebufferpool.Pool

// FileWriter appends events to a JSONL file, one fsync per event.
type FileWriter struct {
	mu   sync.Mutex
	file *os.File
	head string
	path string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending. An existing log is continued from
// its last event.
func NewFileWriter(path string) (*FileWriter, error) {
	head := GenesisHash
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		h, err := lastHash(data)
		if err != nil {
			return nil, fmt.Errorf("audit: continue %s: %w", path, err)
		}
		head = h
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileWriter{file: f, head: head, path: path}, nil
}

// eachLine calls fn with every non-blank line and its 1-based number.
func eachLine(data []byte, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func lastHash(data []byte) (string, error) {
	var last []byte
	if err := eachLine(data, func(_ int, line []byte) error {
		last = append(last[:0], line...)
		return nil
	}); err != nil {
		return "", err
	}
	if last == nil {
		return GenesisHash, nil
	}

	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &tail); err != nil {
		return "", fmt.Errorf("parse last event: %w", err)
	}
	if tail.Hash == "" {
		return "", errors.New("last event has no hash")
	}
	return tail.Hash, nil
}

// Write chains event to the previous one and persists it.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := event.Validate(); err != nil {
		return fmt.Errorf("audit: invalid event: %w", err)
	}

	event.HashPrev = w.head
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("audit: serialize event: %w", err)
	}
	event.Hash = chainHash(canonical, w.head)

	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("audit: serialize event: %w", err)
	}
	buf := linePool.Get()
	defer linePool.Put(buf)
	buf.Write(line)
	buf.WriteByte('\n')
	if _, err := w.file.Write(buf.B); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync log: %w", err)
	}

	w.head = event.Hash
	return nil
}

// Close syncs and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// LastHash returns the hash of the last written event.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

// Path returns the file path of the audit log.
func (w *FileWriter) Path() string { return w.path }

// chainHash computes SHA256(canonical || prev).
func chainHash(canonical []byte, prev string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prev))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain of the log at path and returns the
// number of events that verified before the first break.
func VerifyChain(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("audit: read %s: %w", path, err)
	}

	prev := GenesisHash
	valid := 0
	err = eachLine(data, func(n int, line []byte) error {
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("line %d: invalid JSON: %w", n, err)
		}
		if event.HashPrev != prev {
			return fmt.Errorf("line %d: chain broken: expected prev=%s, got %s", n, prev, event.HashPrev)
		}
		canonical, err := event.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if want := chainHash(canonical, prev); event.Hash != want {
			return fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", n, want, event.Hash)
		}
		prev = event.Hash
		valid++
		return nil
	})
	return valid, err
}
