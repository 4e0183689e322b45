// ABOUTME: Sandbox provisioner building the two-container environment per rollout.
// ABOUTME: Creates the data store and analytics UI, and guarantees teardown.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/arena-gateway/internal/runtime"
)

// Config controls how sandboxes are built.
type Config struct {
	DataStoreImage string
	AnalyticsImage string
	Network        string

	// AnalyticsPort is the port the analytics UI listens on inside its
	// container. The allocated host port is bound to it.
	AnalyticsPort int

	DataStoreUser     string
	DataStorePassword string
	DataStoreName     string

	// DatasetPath is the host path of the benchmark dataset SQL file. It is
	// bind-mounted into the data store's init directory so every sandbox
	// starts with the same data.
	DatasetPath string

	ReadyTimeout time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// Environment is the handle for one provisioned sandbox.
type Environment struct {
	RolloutID     int64
	Port          int
	DataStoreID   string
	AnalyticsID   string
	DataStoreName string
	AnalyticsName string
}

// URL returns the host-reachable base URL of the analytics UI.
func (e *Environment) URL() string {
	return fmt.Sprintf("http://localhost:%d", e.Port)
}

// ProvisionError wraps a failure during sandbox construction with the stage
// that failed, so callers can tell an image pull apart from a readiness
// timeout.
type ProvisionError struct {
	Stage string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed during %s: %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Provisioner creates and destroys rollout sandboxes on a container runtime.
type Provisioner struct {
	rt     runtime.Runtime
	cfg    Config
	logger *slog.Logger
}

func NewProvisioner(rt runtime.Runtime, cfg Config) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Provisioner{
		rt:     rt,
		cfg:    cfg,
		logger: slog.Default().With("component", "sandbox"),
	}
}

// DataStoreContainerName returns the deterministic data store container name
// for a rollout.
func DataStoreContainerName(rolloutID int64) string {
	return fmt.Sprintf("rollout-db-%d", rolloutID)
}

// AnalyticsContainerName returns the deterministic analytics UI container
// name for a rollout.
func AnalyticsContainerName(rolloutID int64) string {
	return fmt.Sprintf("rollout-ui-%d", rolloutID)
}

// Prepare pulls images, ensures the sandbox network exists, and resolves the
// dataset file. Call once at startup so per-rollout provisioning never waits
// on a registry or fails late on a missing dataset.
func (p *Provisioner) Prepare(ctx context.Context) error {
	if p.cfg.DatasetPath != "" {
		abs, err := filepath.Abs(p.cfg.DatasetPath)
		if err != nil {
			return &ProvisionError{Stage: "dataset", Err: err}
		}
		if _, err := os.Stat(abs); err != nil {
			return &ProvisionError{Stage: "dataset", Err: fmt.Errorf("dataset file: %w", err)}
		}
		// Docker binds need an absolute host path.
		p.cfg.DatasetPath = abs
	}

	for _, img := range []string{p.cfg.DataStoreImage, p.cfg.AnalyticsImage} {
		if err := p.rt.EnsureImage(ctx, img); err != nil {
			return &ProvisionError{Stage: "image-pull", Err: err}
		}
	}
	if err := p.rt.EnsureNetwork(ctx, p.cfg.Network); err != nil {
		return &ProvisionError{Stage: "network", Err: err}
	}
	return nil
}

// Provision builds the sandbox for a rollout: the data store first, then the
// analytics UI bound to hostPort, then waits for the UI health endpoint. Any
// failure tears down whatever was already created before returning.
func (p *Provisioner) Provision(ctx context.Context, rolloutID int64, hostPort int) (*Environment, error) {
	env := &Environment{
		RolloutID:     rolloutID,
		Port:          hostPort,
		DataStoreName: DataStoreContainerName(rolloutID),
		AnalyticsName: AnalyticsContainerName(rolloutID),
	}

	logger := p.logger.With("rollout_id", rolloutID, "port", hostPort)
	logger.Info("provisioning sandbox")

	if err := p.provision(ctx, env, logger); err != nil {
		if tdErr := p.Teardown(context.WithoutCancel(ctx), env); tdErr != nil {
			logger.Error("teardown after failed provision", "error", tdErr)
		}
		return nil, err
	}

	logger.Info("sandbox ready", "url", env.URL())
	return env, nil
}

func (p *Provisioner) provision(ctx context.Context, env *Environment, logger *slog.Logger) error {
	// The entrypoint runs anything in initdb.d on first start, which is how
	// the benchmark dataset gets into a fresh data store.
	var binds []string
	if p.cfg.DatasetPath != "" {
		binds = []string{p.cfg.DatasetPath + ":/docker-entrypoint-initdb.d/00-dataset.sql:ro"}
	}

	dbID, err := p.rt.Create(ctx, runtime.ContainerSpec{
		Name:    env.DataStoreName,
		Image:   p.cfg.DataStoreImage,
		Network: p.cfg.Network,
		Labels:  runtime.RolloutLabels(env.RolloutID, runtime.RoleDataStore),
		Binds:   binds,
		Env: []string{
			"POSTGRES_USER=" + p.cfg.DataStoreUser,
			"POSTGRES_PASSWORD=" + p.cfg.DataStorePassword,
			"POSTGRES_DB=" + p.cfg.DataStoreName,
		},
	})
	if err != nil {
		return &ProvisionError{Stage: "create-datastore", Err: err}
	}
	env.DataStoreID = dbID

	if err := p.rt.Start(ctx, dbID); err != nil {
		return &ProvisionError{Stage: "start-datastore", Err: err}
	}

	uiID, err := p.rt.Create(ctx, runtime.ContainerSpec{
		Name:    env.AnalyticsName,
		Image:   p.cfg.AnalyticsImage,
		Network: p.cfg.Network,
		Labels:  runtime.RolloutLabels(env.RolloutID, runtime.RoleAnalytics),
		Ports: []runtime.PortBinding{
			{ContainerPort: p.cfg.AnalyticsPort, HostPort: env.Port},
		},
		Env: []string{
			"MB_DB_TYPE=postgres",
			// The data store resolves by container name on the shared network.
			"MB_DB_HOST=" + env.DataStoreName,
			"MB_DB_PORT=5432",
			"MB_DB_USER=" + p.cfg.DataStoreUser,
			"MB_DB_PASS=" + p.cfg.DataStorePassword,
			"MB_DB_DBNAME=" + p.cfg.DataStoreName,
		},
	})
	if err != nil {
		return &ProvisionError{Stage: "create-analytics", Err: err}
	}
	env.AnalyticsID = uiID

	if err := p.rt.Start(ctx, uiID); err != nil {
		return &ProvisionError{Stage: "start-analytics", Err: err}
	}

	healthURL := env.URL() + "/api/health"
	logger.Debug("waiting for analytics UI", "url", healthURL, "timeout", p.cfg.ReadyTimeout)
	if err := WaitFor(ctx, healthURL, p.cfg.ReadyTimeout, p.cfg.PollInterval); err != nil {
		return &ProvisionError{Stage: "readiness", Err: err}
	}

	return nil
}

// Teardown stops and removes both sandbox containers. It tolerates
// containers that were never created or are already gone, and always
// attempts both removals before reporting errors.
func (p *Provisioner) Teardown(ctx context.Context, env *Environment) error {
	var errs []error
	for _, id := range []string{env.AnalyticsID, env.DataStoreID} {
		if id == "" {
			continue
		}
		if err := p.rt.Stop(ctx, id, p.cfg.StopTimeout); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, err)
		}
		if err := p.rt.Remove(ctx, id); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sandbox teardown for rollout %d: %w", env.RolloutID, errors.Join(errs...))
	}

	p.logger.Info("sandbox destroyed", "rollout_id", env.RolloutID)
	return nil
}

// Sweep removes every container carrying the managed label, regardless of
// which rollout owns it. Used at startup to reclaim sandboxes orphaned by a
// crash. Returns the names of removed containers.
func (p *Provisioner) Sweep(ctx context.Context) ([]string, error) {
	infos, err := p.rt.List(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	var removed []string
	var errs []error
	for _, info := range infos {
		if err := p.rt.Remove(ctx, info.ID); err != nil && !runtime.IsNotFound(err) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, info.Name)
		p.logger.Warn("removed orphaned container", "name", info.Name, "rollout", info.Labels[runtime.LabelRollout])
	}

	if len(errs) > 0 {
		return removed, errors.Join(errs...)
	}
	return removed, nil
}
