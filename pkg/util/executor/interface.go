package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

type Executor interface {
	CheckReady() error
	Run(cmd string, args []string) ([]byte, error)
}

// LocalExecutor runs commands on this host. When root is set, commands are
// resolved below it, e.g. a container with the host filesystem at /host.
type LocalExecutor struct {
	root    string
	envVars []string
}

func NewLocalExecutor(envVars []string) Executor {
	return &LocalExecutor{
		envVars: envVars,
	}
}

// NewLocalExecutorWithRoot resolves every command below root.
func NewLocalExecutorWithRoot(root string, envVars []string) Executor {
	return &LocalExecutor{
		root:    root,
		envVars: envVars,
	}
}

const (
	MountCommand   = "mount"
	UmountCommand  = "umount"
	LsblkCommand   = "lsblk"
	defaultCmdPath = "/usr/bin"
)

func (l *LocalExecutor) command(cmd string) string {
	if l.root == "" {
		return cmd
	}
	if !filepath.IsAbs(cmd) {
		cmd = filepath.Join(defaultCmdPath, cmd)
	}
	return filepath.Join(l.root, cmd)
}

func (l *LocalExecutor) Run(cmd string, args []string) ([]byte, error) {
	localCommand := exec.Command(l.command(cmd), args...)
	localCommand.Env = append(localCommand.Env, l.envVars...)
	out, err := localCommand.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", cmd, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", cmd, strings.Join(args, " "), err)
	}
	return out, nil
}

// CheckReady checks that mount, umount and lsblk can be found
func (l *LocalExecutor) CheckReady() error {
	for _, cmd := range []string{MountCommand, UmountCommand, LsblkCommand} {
		if _, err := exec.LookPath(l.command(cmd)); err != nil {
			return fmt.Errorf("command %s not available: %w", cmd, err)
		}
	}
	return nil
}
