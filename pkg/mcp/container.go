package mcp

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// inspectContainer verifies that the target container exists and is running
// before an indirect launch, so spawn failures carry a precise cause instead
// of a generic docker exec error. Overridable in tests.
var inspectContainer = func(ctx context.Context, name string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect container %q: %w", name, err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %q is not running", name)
	}
	return nil
}
