package model

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
)

// ExecMode mirrors the read bits of mode into the matching execute bits and
// extends group read to other, e.g. 0640 becomes 0754.
func ExecMode(mode fs.FileMode) fs.FileMode {
	return mode | (mode&0o444)>>2 | (mode&0o040)>>3
}

// EnsureExecutable adds execute bits to the script at path per ExecMode.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat script: %w", err)
	}
	perm := info.Mode().Perm()
	if want := ExecMode(perm); want != perm {
		if err := os.Chmod(path, want); err != nil {
			return fmt.Errorf("chmod script: %w", err)
		}
	}
	return nil
}

// NormalizeLineEndings rewrites CRLF line endings in the file at path as LF.
func NormalizeLineEndings(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	if !bytes.Contains(raw, []byte("\r\n")) {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat script: %w", err)
	}
	fixed := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	if err := os.WriteFile(path, fixed, info.Mode().Perm()); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return nil
}
