package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerEngine drives sandbox containers through the local Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the daemon configured by the environment
// (DOCKER_HOST etc.) and negotiates the API version.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Close releases the daemon connection.
func (d *DockerEngine) Close() error { return d.cli.Close() }

func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	pids := spec.PidsLimit
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	host := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: "none",
		Binds:       spec.Binds,
		Resources: container.Resources{
			NanoCPUs:  spec.NanoCPUs,
			Memory:    spec.MemoryBytes,
			PidsLimit: &pids,
		},
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerEngine) Attach(ctx context.Context, id string) (*AttachStream, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	// The daemon multiplexes stdout/stderr over one hijacked connection;
	// demux both into a single pipe so callers see one ordered stream.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(err)
	}()

	return &AttachStream{
		Output: pr,
		Stdin:  hijackedStdin{resp},
		close: func() {
			resp.Close()
			pr.Close()
		},
	}, nil
}

// hijackedStdin exposes the write half of a hijacked attach connection.
// Close half-closes the connection so the container sees EOF on stdin
// while output keeps flowing.
type hijackedStdin struct {
	resp types.HijackedResponse
}

func (w hijackedStdin) Write(p []byte) (int, error) { return w.resp.Conn.Write(p) }
func (w hijackedStdin) Close() error                { return w.resp.CloseWrite() }

func (d *DockerEngine) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *DockerEngine) Wait(ctx context.Context, id string) <-chan WaitResult {
	// WaitConditionRemoved because every container runs with AutoRemove:
	// waiting for mere exit can race the removal and lose the status code.
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionRemoved)

	out := make(chan WaitResult, 1)
	go func() {
		select {
		case body := <-waitCh:
			res := WaitResult{ExitCode: int(body.StatusCode)}
			if body.Error != nil {
				res.Err = errors.New(body.Error.Message)
			}
			out <- res
		case err := <-errCh:
			out <- WaitResult{Err: err}
		}
	}()
	return out
}

func (d *DockerEngine) Exec(ctx context.Context, id string, cmd []string, stdin []byte) (ExecResult, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	if stdin != nil {
		if _, err := resp.Conn.Write(stdin); err != nil {
			return ExecResult{}, fmt.Errorf("exec stdin: %w", err)
		}
		if err := resp.CloseWrite(); err != nil {
			return ExecResult{}, fmt.Errorf("exec stdin close: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *DockerEngine) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
