package worker

import (
	"bytes"
	"os"
	"testing"
)

func TestInstall(t *testing.T) {
	dir := t.TempDir()
	path, err := Install(dir)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, Script()) {
		t.Fatalf("installed script differs from embedded script")
	}
	if !bytes.Contains(data, []byte("PROTOCOL_VERSION = 1")) {
		t.Fatalf("worker script does not declare the protocol version")
	}
}
