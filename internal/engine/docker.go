package engine

import (
	"context"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"prediction-platform/internal/config"
	"prediction-platform/internal/models"
)

// Docker implements Engine on the Docker Engine API.
type Docker struct {
	client *client.Client
	auth   string
}

var _ Engine = (*Docker)(nil)

// NewDocker connects using the standard environment (DOCKER_HOST, etc.) and
// prepares registry credentials for push and pull.
func NewDocker(cfg config.Config) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	auth, err := registryAuth(cfg)
	if err != nil {
		return nil, err
	}
	return &Docker{client: cli, auth: auth}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

// registryAuth always returns an encoded header; the daemon rejects pushes
// without one even for anonymous registries.
func registryAuth(cfg config.Config) (string, error) {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cfg.RegistryUsername,
		Password:      cfg.RegistryPassword,
		ServerAddress: cfg.RegistryServer,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return auth, nil
}

// classify marks daemon connectivity failures as transient so the caller's
// work item is redelivered instead of failing the entity.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return models.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// drain consumes a JSON progress stream and surfaces any error message in it.
func drain(op string, rc io.ReadCloser) error {
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *Docker) Pull(ctx context.Context, ref string) error {
	if _, err := d.client.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return classify("inspect image "+ref, err)
	}
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: d.auth})
	if err != nil {
		return classify("pull "+ref, err)
	}
	return drain("pull "+ref, rc)
}

func (d *Docker) Build(ctx context.Context, bc BuildContext) (string, error) {
	tarball, err := TarContext(bc)
	if err != nil {
		return "", err
	}
	resp, err := d.client.ImageBuild(ctx, tarball, build.ImageBuildOptions{
		Tags:        []string{bc.Tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  false,
	})
	if err != nil {
		return "", classify("build "+bc.Tag, err)
	}
	if err := drain("build "+bc.Tag, resp.Body); err != nil {
		return "", err
	}
	return bc.Tag, nil
}

func (d *Docker) Push(ctx context.Context, ref string) error {
	rc, err := d.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: d.auth})
	if err != nil {
		return classify("push "+ref, err)
	}
	return drain("push "+ref, rc)
}

func (d *Docker) Run(ctx context.Context, opts RunOptions) (Container, error) {
	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	created, err := d.client.ContainerCreate(ctx,
		&container.Config{Image: opts.Image, Env: env},
		&container.HostConfig{Mounts: mounts},
		nil, nil, opts.Name)
	if err != nil {
		return Container{}, classify("create container "+opts.Name, err)
	}
	c := Container{ID: created.ID, Name: opts.Name, Image: opts.Image}
	if err := d.Start(ctx, c); err != nil {
		return Container{}, err
	}
	return c, nil
}

func (d *Docker) Start(ctx context.Context, c Container) error {
	if err := d.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		return classify("start container "+c.Name, err)
	}
	return nil
}

func (d *Docker) Wait(ctx context.Context, c Container) (int64, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, c.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, classify("wait container "+c.Name, err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("wait container %s: %s", c.Name, status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *Docker) Get(ctx context.Context, name string) (Lookup, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, classify("inspect container "+name, err)
	}
	l := Lookup{
		Found:     true,
		Container: Container{ID: info.ID, Name: name},
	}
	if info.Config != nil {
		l.Container.Image = info.Config.Image
	}
	if info.State != nil {
		l.Running = info.State.Running
	}
	return l, nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	return classify("remove container "+name, err)
}
