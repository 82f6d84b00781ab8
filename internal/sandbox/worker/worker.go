// Package worker embeds the Python worker program run inside every sandbox.
package worker

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the script name inside a sandbox work directory.
const FileName = "worker.py"

//go:embed worker.py
var script []byte

// Script returns the worker program source.
func Script() []byte {
	out := make([]byte, len(script))
	copy(out, script)
	return out
}

// Install writes the worker program into dir and returns its path.
func Install(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, script, 0o444); err != nil {
		return "", fmt.Errorf("write worker script: %w", err)
	}
	return path, nil
}
