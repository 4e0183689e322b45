// ABOUTME: Container runtime abstraction the sandbox provisioner runs against.
// ABOUTME: Defines container specs, lifecycle operations, and label conventions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/errdefs"
)

// Labels attached to every container the engine creates. Reconciliation
// finds orphaned sandboxes by listing containers with LabelManaged set.
const (
	LabelManaged = "arena.managed"
	LabelRollout = "arena.rollout"
	LabelRole    = "arena.role"

	RoleDataStore = "datastore"
	RoleAnalytics = "analytics"
)

// ErrNotFound is returned by runtime operations on a container that does
// not exist. Docker errors are translated; the fake returns it directly.
var ErrNotFound = errors.New("container not found")

// PortBinding maps a container port onto a host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string
	Network string
	Labels  map[string]string
	Ports   []PortBinding

	// Binds are host bind mounts in Docker's host:container[:mode] form.
	Binds []string
}

// ContainerInfo is a summary of an existing container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// Runtime is the container engine surface the provisioner depends on.
// Implementations must be safe for concurrent use.
type Runtime interface {
	// EnsureImage pulls the image if it is not present locally.
	EnsureImage(ctx context.Context, image string) error

	// EnsureNetwork creates the named bridge network if it does not exist.
	// Containers on the same network resolve each other by container name.
	EnsureNetwork(ctx context.Context, name string) error

	// Create creates a container and returns its runtime ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container, waiting up to timeout before killing it.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove force-removes a container and its anonymous volumes.
	Remove(ctx context.Context, id string) error

	// List returns containers whose labels match every entry in labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	Close() error
}

// IsNotFound reports whether err indicates a missing container, from either
// a Runtime implementation or the Docker daemon directly.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errdefs.IsNotFound(err)
}

// RolloutLabels builds the label set for one container of a rollout sandbox.
func RolloutLabels(rolloutID int64, role string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelRollout: fmt.Sprintf("%d", rolloutID),
		LabelRole:    role,
	}
}
