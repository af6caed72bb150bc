// Package exchange owns the shared file contract between the platform and
// instance containers.
//
// Each instance has a directory <root>/<instance_name> on the host. It is
// bind-mounted at /shared_data inside the instance container. The platform
// writes input.json before a run; the container writes output.json before it
// exits. INPUT_PATH and OUTPUT_PATH carry the in-container paths.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"prediction-platform/internal/engine"
)

const (
	ContainerDir = "/shared_data"
	InputFile    = "input.json"
	OutputFile   = "output.json"
)

// ErrNoOutput is returned when a run finished without writing output.json.
var ErrNoOutput = errors.New("container produced no output")

// Dir is the exchange root. Root is where this process reads and writes;
// HostRoot is the same directory as the container engine's host sees it,
// which differs when this process itself runs in a container.
type Dir struct {
	Root     string
	HostRoot string
}

func New(root, hostRoot string) *Dir {
	if hostRoot == "" {
		hostRoot = root
	}
	return &Dir{Root: root, HostRoot: hostRoot}
}

func (d *Dir) instanceDir(name string) string {
	return filepath.Join(d.Root, name)
}

// Mount is the bind mount that exposes an instance's directory to its container.
func (d *Dir) Mount(name string) engine.Mount {
	return engine.Mount{Source: filepath.Join(d.HostRoot, name), Target: ContainerDir}
}

// Env is the environment that tells a container where its files are.
func (d *Dir) Env() map[string]string {
	return map[string]string{
		"INPUT_PATH":  ContainerDir + "/" + InputFile,
		"OUTPUT_PATH": ContainerDir + "/" + OutputFile,
	}
}

// WriteInput replaces input.json and removes any output left by an earlier run.
func (d *Dir) WriteInput(name string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("input for %s is not valid JSON", name)
	}
	dir := d.instanceDir(name)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("create exchange dir: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, OutputFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale output: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".input-*")
	if err != nil {
		return fmt.Errorf("create temp input: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close input: %w", err)
	}
	// containers may run as a different uid
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod input: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, InputFile)); err != nil {
		return fmt.Errorf("publish input: %w", err)
	}
	return nil
}

// ReadOutput returns output.json of the last run.
func (d *Dir) ReadOutput(name string) (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(d.instanceDir(name), OutputFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoOutput)
	}
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("output of %s is not valid JSON", name)
	}
	return json.RawMessage(raw), nil
}
