// Package enginetest provides an in-memory engine.Engine whose containers run
// Go functions against their bind-mounted host directory.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"prediction-platform/internal/engine"
	"prediction-platform/internal/models"
)

// Program is what a fake container executes. dir is the host source of the
// container's first mount.
type Program func(dir string) int64

type container struct {
	c       engine.Container
	dir     string
	running bool
}

// Fake records every engine call. Set Unreachable to make all calls fail
// with a transient error.
type Fake struct {
	mu         sync.Mutex
	local      map[string]bool
	registry   map[string]bool
	containers map[string]*container
	programs   map[string]Program

	Builds    []engine.BuildContext
	Pushes    []string
	Pulls     []string
	Runs      []engine.RunOptions
	Starts    int
	BuildErr  map[string]error
	PushErr   map[string]error
	RunErr    error

	Unreachable bool
}

var _ engine.Engine = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		local:      make(map[string]bool),
		registry:   make(map[string]bool),
		containers: make(map[string]*container),
		programs:   make(map[string]Program),
		BuildErr:   make(map[string]error),
		PushErr:    make(map[string]error),
	}
}

// Register sets the program containers of image run.
func (f *Fake) Register(image string, p Program) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[image] = p
}

// Published reports whether image was pushed to the fake registry.
func (f *Fake) Published(image string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registry[image]
}

// SetReachable toggles the simulated daemon connection.
func (f *Fake) SetReachable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unreachable = !ok
}

func (f *Fake) down(op string) error {
	if f.Unreachable {
		return models.Transient(op, errors.New("cannot connect to the Docker daemon"))
	}
	return nil
}

func (f *Fake) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("pull"); err != nil {
		return err
	}
	f.Pulls = append(f.Pulls, image)
	if f.local[image] {
		return nil
	}
	if !f.registry[image] {
		return fmt.Errorf("pull %s: manifest unknown", image)
	}
	f.local[image] = true
	return nil
}

func (f *Fake) Build(_ context.Context, bc engine.BuildContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("build"); err != nil {
		return "", err
	}
	if _, err := engine.TarContext(bc); err != nil {
		return "", err
	}
	f.Builds = append(f.Builds, bc)
	if err := f.BuildErr[bc.Tag]; err != nil {
		return "", err
	}
	f.local[bc.Tag] = true
	return bc.Tag, nil
}

func (f *Fake) Push(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("push"); err != nil {
		return err
	}
	if !f.local[image] {
		return fmt.Errorf("push %s: no such image", image)
	}
	if err := f.PushErr[image]; err != nil {
		return err
	}
	f.Pushes = append(f.Pushes, image)
	f.registry[image] = true
	return nil
}

func (f *Fake) Run(_ context.Context, opts engine.RunOptions) (engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("run"); err != nil {
		return engine.Container{}, err
	}
	if f.RunErr != nil {
		return engine.Container{}, f.RunErr
	}
	if !f.local[opts.Image] {
		return engine.Container{}, fmt.Errorf("run %s: no such image %s", opts.Name, opts.Image)
	}
	if _, exists := f.containers[opts.Name]; exists {
		return engine.Container{}, fmt.Errorf("run %s: name already in use", opts.Name)
	}
	c := &container{
		c:       engine.Container{ID: "ctr-" + opts.Name, Name: opts.Name, Image: opts.Image},
		running: true,
	}
	if len(opts.Mounts) > 0 {
		c.dir = opts.Mounts[0].Source
	}
	f.containers[opts.Name] = c
	f.Runs = append(f.Runs, opts)
	return c.c, nil
}

func (f *Fake) Start(_ context.Context, c engine.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("start"); err != nil {
		return err
	}
	ctr, ok := f.containers[c.Name]
	if !ok {
		return fmt.Errorf("start %s: no such container", c.Name)
	}
	ctr.running = true
	f.Starts++
	return nil
}

// Wait executes the container's program once and marks it stopped.
func (f *Fake) Wait(_ context.Context, c engine.Container) (int64, error) {
	f.mu.Lock()
	if err := f.down("wait"); err != nil {
		f.mu.Unlock()
		return -1, err
	}
	ctr, ok := f.containers[c.Name]
	if !ok {
		f.mu.Unlock()
		return -1, fmt.Errorf("wait %s: no such container", c.Name)
	}
	prog := f.programs[ctr.c.Image]
	dir := ctr.dir
	f.mu.Unlock()

	var code int64
	if prog != nil {
		code = prog(dir)
	}

	f.mu.Lock()
	ctr.running = false
	f.mu.Unlock()
	return code, nil
}

func (f *Fake) Get(_ context.Context, name string) (engine.Lookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("inspect"); err != nil {
		return engine.Lookup{}, err
	}
	ctr, ok := f.containers[name]
	if !ok {
		return engine.Lookup{}, nil
	}
	return engine.Lookup{Found: true, Running: ctr.running, Container: ctr.c}, nil
}

func (f *Fake) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.down("remove"); err != nil {
		return err
	}
	delete(f.containers, name)
	return nil
}

// SumFeatures is a Program that reads {"features":[...]} from input.json and
// writes {"predictions":[sum]} to output.json.
func SumFeatures(dir string) int64 {
	raw, err := os.ReadFile(filepath.Join(dir, "input.json"))
	if err != nil {
		return 1
	}
	var in struct {
		Features []float64 `json:"features"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return 1
	}
	var sum float64
	for _, v := range in.Features {
		sum += v
	}
	out, _ := json.Marshal(map[string]any{"predictions": []float64{sum}})
	if err := os.WriteFile(filepath.Join(dir, "output.json"), out, 0o644); err != nil {
		return 1
	}
	return 0
}

// Exit returns a Program that exits with code without writing output.
func Exit(code int64) Program {
	return func(string) int64 { return code }
}
