package installer

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// bootstrapImage is the slave bootstrap container image started by the
// container strategy. It is distributed out-of-band from this repo (see
// the spec's note on the bootstrap binary).
const bootstrapImage = "ghcr.io/d8ops/controlplane-slave:latest"

// dockerDialer connects to the target host's Docker daemon over TCP. The
// container strategy assumes the target exposes a reachable daemon
// socket — if it does not, dial or Ping failure falls through to the next
// strategy, exactly like any other strategy failure.
func dockerDialer(host string, port int) (*dockerclient.Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(fmt.Sprintf("tcp://%s:%d", host, port)),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("installer: dial docker daemon: %w", err)
	}
	return cli, nil
}

// ensureBootstrapContainer pulls the bootstrap image if absent and starts
// a container running it with the given listen port and shared secret
// baked in as an environment variable. Returns the container id.
func ensureBootstrapContainer(ctx context.Context, cli *dockerclient.Client, listenPort int, sharedSecret string) (string, error) {
	if _, err := cli.Ping(ctx); err != nil {
		return "", fmt.Errorf("installer: docker daemon unreachable: %w", err)
	}

	_, _, err := cli.ImageInspectWithRaw(ctx, bootstrapImage)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("installer: inspect bootstrap image: %w", err)
		}
		rc, pullErr := cli.ImagePull(ctx, bootstrapImage, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("installer: pull bootstrap image: %w", pullErr)
		}
		defer rc.Close()
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: bootstrapImage,
		Env:   []string{fmt.Sprintf("SLAVE_TOKEN=%s", sharedSecret), fmt.Sprintf("LISTEN_PORT=%d", listenPort)},
	}, &container.HostConfig{
		NetworkMode: "host",
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("installer: create bootstrap container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("installer: start bootstrap container: %w", err)
	}

	return resp.ID, nil
}
