package testutil

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// TestLabel marks containers started by tests. Its value is the owning
// test's name.
const TestLabel = "bookdrop-test"

// TestingT is the subset of testing.T used for Docker setup.
type TestingT interface {
	Name() string
	Cleanup(func())
	Failed() bool
	Logf(format string, args ...any)
	Skipf(format string, args ...any)
	Helper()
}

// Container names, ports and labels one container owned by a test. The
// fields line up with bypass.DockerConfig.
type Container struct {
	Name     string
	HostPort string
	Labels   map[string]string
}

// RequireDocker returns a client for the local daemon and skips the test when
// none is reachable. Containers labelled for the test are removed when it
// ends; if it failed, their log tails are written to the test log first.
func RequireDocker(t TestingT) *client.Client {
	t.Helper()

	cli, err := dial(context.Background())
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		owned := labelFilter(TestLabel + "=" + t.Name())
		if t.Failed() {
			dumpLogs(ctx, t, cli, owned)
		}
		if _, err := removeContainers(ctx, cli, owned); err != nil {
			t.Logf("container cleanup: %v", err)
		}
		cli.Close()
	})
	return cli
}

// NewContainer reserves a unique name and a free host port for a container
// running service.
func NewContainer(t TestingT, service string) Container {
	t.Helper()
	port, err := FindFreePort()
	if err != nil {
		t.Skipf("no free port for %s: %v", service, err)
	}
	return Container{
		Name:     fmt.Sprintf("%s-%s-%s-%s", TestLabel, service, containerSafe(t.Name()), randHex(4)),
		HostPort: port,
		Labels:   map[string]string{TestLabel: t.Name()},
	}
}

// SweepContainers removes every test container left behind by an interrupted
// run. It reports how many were removed; an unreachable daemon is an error.
func SweepContainers(ctx context.Context) (int, error) {
	cli, err := dial(ctx)
	if err != nil {
		return 0, err
	}
	defer cli.Close()
	return removeContainers(ctx, cli, labelFilter(TestLabel))
}

func dial(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker is not running: %w", err)
	}
	return cli, nil
}

func labelFilter(label string) filters.Args {
	return filters.NewArgs(filters.Arg("label", label))
}

func removeContainers(ctx context.Context, cli *client.Client, match filters.Args) (int, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: match})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	var errs []error
	removed := 0
	for _, c := range containers {
		// Force removal kills a running container; no separate stop needed.
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", displayName(c), err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// dumpLogs writes the last lines of each matching container to the test log.
// FlareSolverr reports browser start-up failures only there.
func dumpLogs(ctx context.Context, t TestingT, cli *client.Client, match filters.Args) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: match})
	if err != nil {
		return
	}
	for _, c := range containers {
		rc, err := cli.ContainerLogs(ctx, c.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "50"})
		if err != nil {
			t.Logf("logs for %s: %v", displayName(c), err)
			continue
		}
		var out bytes.Buffer
		_, err = stdcopy.StdCopy(&out, &out, rc)
		rc.Close()
		if err != nil {
			t.Logf("logs for %s: %v", displayName(c), err)
			continue
		}
		t.Logf("%s (%s):\n%s", displayName(c), c.State, out.String())
	}
}

func displayName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// containerSafe keeps the characters Docker allows in a name, turning test
// path separators into dashes. Names are capped at 30 bytes.
func containerSafe(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case b.Len() >= 30:
			return b.String()
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '/' || r == '_' || r == '-':
			b.WriteByte('-')
		}
	}
	return b.String()
}
