// Package dockerping wraps the sibling Docker daemon's health surface: a
// startup/readiness ping so a misconfigured or unreachable daemon is
// surfaced at boot rather than at the first container-backed run's failure
// (SPEC_FULL.md domain stack).
package dockerping

import (
	"context"
	"fmt"

	"github.com/moby/moby/client"
)

// Checker pings the local Docker daemon over its default socket.
type Checker struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard DOCKER_HOST/env
// conventions. It does not ping immediately; call Ping to verify
// reachability, typically during service startup.
func New() (*Checker, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Checker{cli: cli}, nil
}

// Close releases the underlying connection.
func (c *Checker) Close() error {
	if c == nil || c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

// Ping verifies the daemon is reachable. A dispatcher that shells out to
// docker/cwltool with --leave-container=false depends on this daemon being
// up; a failed ping here is worth surfacing at startup rather than at the
// first run's execution failure.
func (c *Checker) Ping(ctx context.Context) error {
	if c == nil || c.cli == nil {
		return fmt.Errorf("docker checker not configured")
	}
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}
