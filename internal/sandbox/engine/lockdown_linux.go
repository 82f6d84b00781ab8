//go:build linux

package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// lockdownFileName is the seccomp program the worker loads on itself before
// any skill code runs.
const lockdownFileName = "lockdown.bpf"

// buildLockdownProgram compiles a filter that leaves the worker unable to
// create processes or replace its image. Threads stay allowed so the
// interpreter keeps working; clone3 reports ENOSYS so libc falls back to
// clone, whose flags the filter can inspect.
func buildLockdownProgram(scratchDir string) ([]byte, error) {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return nil, fmt.Errorf("create lockdown filter: %w", err)
	}
	defer filter.Release()

	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range []string{"fork", "vfork", "execve", "execveat"} {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// fork and vfork do not exist on every architecture.
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			return nil, fmt.Errorf("add lockdown rule %s: %w", name, err)
		}
	}

	if call, err := seccomp.GetSyscallFromName("clone3"); err == nil {
		if err := filter.AddRule(call, seccomp.ActErrno.SetReturnCode(int16(unix.ENOSYS))); err != nil {
			return nil, fmt.Errorf("add lockdown rule clone3: %w", err)
		}
	}
	clone, err := seccomp.GetSyscallFromName("clone")
	if err != nil {
		return nil, fmt.Errorf("resolve clone: %w", err)
	}
	notThread, err := seccomp.MakeCondition(0, seccomp.CompareMaskedEqual, unix.CLONE_THREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("build clone condition: %w", err)
	}
	if err := filter.AddRuleConditional(clone, deny, []seccomp.ScmpCondition{notThread}); err != nil {
		return nil, fmt.Errorf("add lockdown rule clone: %w", err)
	}

	tmp, err := os.CreateTemp(scratchDir, "lockdown-*.bpf")
	if err != nil {
		return nil, fmt.Errorf("create lockdown scratch file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := filter.ExportBPF(tmp); err != nil {
		return nil, fmt.Errorf("export lockdown filter: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	prog, err := io.ReadAll(tmp)
	if err != nil {
		return nil, fmt.Errorf("read lockdown filter: %w", err)
	}
	if len(prog) == 0 || len(prog)%8 != 0 {
		return nil, fmt.Errorf("lockdown filter has invalid size %d", len(prog))
	}
	return prog, nil
}
