package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// DockerEngine implements Engine on top of the Docker Engine API client.
type DockerEngine struct {
	logger *zap.Logger
	client *client.Client
}

// NewDockerEngine connects to the daemon from the environment (DOCKER_HOST
// and friends). A non-empty host overrides the environment.
func NewDockerEngine(logger *zap.Logger, host string) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerEngine{logger: logger, client: cli}, nil
}

// Ping checks if the Docker daemon is accessible.
func (d *DockerEngine) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// EnsureImage pulls ref if it doesn't exist locally.
func (d *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	d.logger.Info("pulling image", zap.String("image", ref))

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	return nil
}

// BuildImage sends a Dockerfile-only build context and returns the built image ID.
func (d *DockerEngine) BuildImage(ctx context.Context, spec BuildSpec) (string, error) {
	buildContext, err := CreateBuildContext(spec.Dockerfile)
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}

	var tags []string
	if spec.Tag != "" {
		tags = []string{spec.Tag}
	}

	resp, err := d.client.ImageBuild(ctx, bytes.NewReader(buildContext), types.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  BuildContextDockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      spec.Labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	var imageID string
	var progress bytes.Buffer
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, &progress, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var aux struct {
			ID string `json:"ID"`
		}
		if json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	if err != nil {
		d.logger.Debug("image build output", zap.String("output", progress.String()))
		return "", fmt.Errorf("image build failed: %w", err)
	}

	if imageID == "" {
		if spec.Tag == "" {
			return "", errors.New("image build returned no image ID")
		}
		imageID = spec.Tag
	}

	return imageID, nil
}

// RunContainer creates and starts the container described by spec.
func (d *DockerEngine) RunContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	containerCfg, hostCfg, err := containerConfigs(spec)
	if err != nil {
		return "", err
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the created container
		if rmErr := d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure",
				zap.String("container", resp.ID), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	return resp.ID, nil
}

// containerConfigs translates spec into the create-time configs, parsing the
// memory limit with go-units.
func containerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig, error) {
	var memory int64
	if spec.MemoryLimit != "" {
		var err error
		memory, err = units.RAMInBytes(spec.MemoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", spec.MemoryLimit, err)
		}
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
		Tty:    false,
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			Memory:    memory,
			CPUPeriod: spec.CPUPeriod,
			CPUQuota:  spec.CPUQuota,
		},
	}

	return containerCfg, hostCfg, nil
}

// Exec runs cmd in the container and returns demultiplexed output and the exit code.
func (d *DockerEngine) Exec(ctx context.Context, containerID string, cmd ExecCommand) (ExecOutput, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd.Argv,
		Env:          cmd.Env,
		WorkingDir:   cmd.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	outputDone := make(chan error, 1)

	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
		outputDone <- err
	}()

	select {
	case err := <-outputDone:
		if err != nil {
			return ExecOutput{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes(), ExitCode: -1},
				fmt.Errorf("failed to read output: %w", err)
		}
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy
		attachResp.Close()
		<-outputDone
		return ExecOutput{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes(), ExitCode: -1}, ctx.Err()
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecOutput{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes(), ExitCode: -1},
			fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecOutput{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.Bytes(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// CopyTo copies a tar stream into the container.
func (d *DockerEngine) CopyTo(ctx context.Context, containerID, dstPath string, archive io.Reader) error {
	return d.client.CopyToContainer(ctx, containerID, dstPath, archive, container.CopyToContainerOptions{})
}

// StopContainer stops the container with the given grace period.
func (d *DockerEngine) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	return d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// RemoveContainer force-removes the container. A missing container is not an error.
func (d *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// RemoveImage force-removes the image. A missing image is not an error.
func (d *DockerEngine) RemoveImage(ctx context.Context, imageID string) error {
	_, err := d.client.ImageRemove(ctx, imageID, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Close closes the Docker client.
func (d *DockerEngine) Close() error {
	return d.client.Close()
}
