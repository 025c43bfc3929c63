// Package docedit writes structured JSON records to disk behind one
// Editor contract with two implementations: an incremental editor that
// patches a record in place, and a rewriter that replaces the whole
// file. The implementation is selected once at startup; callers never
// branch on which one they got.
package docedit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Editor is the single write contract for structured records.
type Editor interface {
	// Read loads the record at path into v.
	Read(path string, v interface{}) error
	// Write replaces the record at path with v.
	Write(path string, v interface{}) error
	// Update applies fn to the record at path and writes it back. The
	// record must already exist.
	Update(path string, v interface{}, fn func()) error
	// Name identifies the strategy for logs.
	Name() string
}

// Strategy names accepted by Select.
const (
	StrategyIncremental = "incremental"
	StrategyRewrite     = "rewrite"
)

// Select picks the editor implementation once at startup. Unknown
// names fall back to the incremental editor; callers that need a hard
// error validate the config value first.
func Select(strategy string) Editor {
	if strategy == StrategyRewrite {
		return &RewriteEditor{}
	}
	return &IncrementalEditor{}
}

// CorruptRecordError marks a record that exists but does not parse,
// usually the residue of a partial write. Callers fall back to a
// whole-record rewrite.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("record %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// IncrementalEditor patches records with read-modify-write cycles.
// Every write lands atomically via a temp file and rename, so readers
// never observe a half-written record.
type IncrementalEditor struct{}

func (e *IncrementalEditor) Name() string { return StrategyIncremental }

func (e *IncrementalEditor) Read(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptRecordError{Path: path, Err: err}
	}
	return nil
}

func (e *IncrementalEditor) Write(path string, v interface{}) error {
	return writeJSON(path, v)
}

func (e *IncrementalEditor) Update(path string, v interface{}, fn func()) error {
	if err := e.Read(path, v); err != nil {
		return err
	}
	fn()
	return writeJSON(path, v)
}

// RewriteEditor replaces the whole record on every write. Reads are
// best-effort: a corrupt record is reported, and the next write
// replaces it wholesale.
type RewriteEditor struct{}

func (e *RewriteEditor) Name() string { return StrategyRewrite }

func (e *RewriteEditor) Read(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptRecordError{Path: path, Err: err}
	}
	return nil
}

func (e *RewriteEditor) Write(path string, v interface{}) error {
	return writeJSON(path, v)
}

// Update for the rewriter tolerates missing or corrupt current state:
// fn is expected to rebuild the record from the caller's in-memory
// copy either way.
func (e *RewriteEditor) Update(path string, v interface{}, fn func()) error {
	err := e.Read(path, v)
	if err != nil {
		var corrupt *CorruptRecordError
		if !os.IsNotExist(err) && !errors.As(err, &corrupt) {
			return err
		}
	}
	fn()
	return writeJSON(path, v)
}

// writeJSON writes v as indented JSON atomically: temp file in the
// same directory, then rename.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}
