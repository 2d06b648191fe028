package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var venvLog = logger.New("workspace:venv")

// VenvStatus reports the virtualenv state of a workspace.
type VenvStatus struct {
	Exists bool   `json:"exists"`
	Ready  bool   `json:"ready"`
	Path   string `json:"path,omitempty"`
}

// VenvEnv is the environment a command needs to run inside the venv.
type VenvEnv struct {
	Path string   `json:"path"`
	Env  []string `json:"env"`
}

// PrepareVenv ensures the workspace virtualenv exists and is ready, and
// returns env vars pointing into it.
//
// The ready marker distinguishes a finished venv from one whose creation was
// interrupted: a directory without the marker is rebuilt from scratch.
func (e *Engine) PrepareVenv(ctx context.Context, fullName, ref string) (*VenvEnv, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	if !hasGitDir(dir) {
		return nil, &brokererrors.NotFoundError{Path: dir}
	}

	venvDir := filepath.Join(dir, constants.VenvDirName)
	marker := filepath.Join(venvDir, constants.VenvReadyMarker)

	if _, err := os.Stat(marker); err == nil {
		return venvEnvFor(venvDir), nil
	}

	if _, err := os.Stat(venvDir); err == nil {
		venvLog.Printf("Rebuilding venv without ready marker: %s", venvDir)
		if err := os.RemoveAll(venvDir); err != nil {
			return nil, fmt.Errorf("failed to remove stale venv: %w", err)
		}
	}

	venvLog.Printf("Creating venv: %s", venvDir)
	res, err := e.runner.Run(ctx, CommandSpec{
		Name: "python3",
		Args: []string{"-m", "venv", constants.VenvDirName},
		Dir:  dir,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("python3 -m venv failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	// Some distro pythons create venvs without pip; ensurepip is a no-op
	// when pip is already there.
	pipRes, err := e.runner.Run(ctx, CommandSpec{
		Name: filepath.Join(venvDir, "bin", "python"),
		Args: []string{"-m", "ensurepip", "--upgrade"},
		Dir:  dir,
	})
	if err != nil {
		return nil, err
	}
	if pipRes.ExitCode != 0 {
		venvLog.Printf("ensurepip failed (continuing, pip may already exist): %s", pipRes.Stderr)
	}

	if err := os.WriteFile(marker, []byte("ok\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write venv ready marker: %w", err)
	}
	return venvEnvFor(venvDir), nil
}

// StopVenv deletes the workspace virtualenv.
func (e *Engine) StopVenv(fullName, ref string) error {
	ref = e.cfg.EffectiveRef(fullName, ref)
	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	venvDir := filepath.Join(DirFor(e.cfg.WorkspaceBaseDir, fullName, ref), constants.VenvDirName)
	venvLog.Printf("Removing venv: %s", venvDir)
	return os.RemoveAll(venvDir)
}

// VenvState reports whether the venv exists and is ready.
func (e *Engine) VenvState(fullName, ref string) *VenvStatus {
	ref = e.cfg.EffectiveRef(fullName, ref)
	venvDir := filepath.Join(DirFor(e.cfg.WorkspaceBaseDir, fullName, ref), constants.VenvDirName)

	status := &VenvStatus{Path: venvDir}
	if _, err := os.Stat(venvDir); err != nil {
		return status
	}
	status.Exists = true
	if _, err := os.Stat(filepath.Join(venvDir, constants.VenvReadyMarker)); err == nil {
		status.Ready = true
	}
	return status
}

func venvEnvFor(venvDir string) *VenvEnv {
	bin := filepath.Join(venvDir, "bin")
	return &VenvEnv{
		Path: venvDir,
		Env: []string{
			"VIRTUAL_ENV=" + venvDir,
			"PATH=" + bin + string(os.PathListSeparator) + os.Getenv("PATH"),
		},
	}
}
