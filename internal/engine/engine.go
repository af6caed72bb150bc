// Package engine is the container engine boundary: pull, build, push, run,
// wait and lookup of images and containers.
package engine

import (
	"context"
	"strings"
)

// Container is a handle to a created container.
type Container struct {
	ID    string
	Name  string
	Image string
}

// Lookup is the result of Get. A missing container is reported with
// Found=false rather than as an error.
type Lookup struct {
	Found     bool
	Running   bool
	Container Container
}

// BuildContext describes an image build: the Dockerfile text plus the files
// it copies, keyed by their path inside the context.
type BuildContext struct {
	Tag        string
	Dockerfile string
	Files      map[string][]byte
}

// Mount binds a host directory into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOptions configures a named, detached container.
type RunOptions struct {
	Name   string
	Image  string
	Mounts []Mount
	Env    map[string]string
}

type Engine interface {
	// Pull makes image available locally, pulling only when it is missing.
	Pull(ctx context.Context, image string) error
	Build(ctx context.Context, bc BuildContext) (string, error)
	Push(ctx context.Context, image string) error
	// Run creates and starts a detached container.
	Run(ctx context.Context, opts RunOptions) (Container, error)
	// Start restarts an existing, stopped container.
	Start(ctx context.Context, c Container) error
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, c Container) (int64, error)
	Get(ctx context.Context, name string) (Lookup, error)
	// Remove force-removes a container. Removing a missing container is not an error.
	Remove(ctx context.Context, name string) error
}

// ModuleImage is the deterministic image reference of a module.
func ModuleImage(registry, module string) string {
	return imageRef(registry, "module-"+module)
}

// InstanceImage is the deterministic image reference of an instance.
func InstanceImage(registry, instance string) string {
	return imageRef(registry, "instance-"+instance)
}

// ContainerName is the name of the single container backing an instance.
func ContainerName(instance string) string {
	return "instance-" + instance
}

func imageRef(registry, repo string) string {
	registry = strings.TrimRight(registry, "/")
	if registry == "" {
		return repo + ":latest"
	}
	return registry + "/" + repo + ":latest"
}
