//go:build !linux

package engine

import (
	"context"
	"fmt"
)

type stubLauncher struct{}

// NewLauncher returns a launcher that always fails; isolation needs Linux.
func NewLauncher(cfg Config) (Launcher, error) {
	return &stubLauncher{}, nil
}

func (s *stubLauncher) Launch(ctx context.Context, ls LaunchSpec) (Process, error) {
	return nil, fmt.Errorf("sandbox engine is only supported on linux")
}
