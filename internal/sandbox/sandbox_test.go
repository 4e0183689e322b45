// ABOUTME: Tests for sandbox provisioning and teardown against a fake runtime
// ABOUTME: Covers partial-failure cleanup, readiness probing, and orphan sweeps

package sandbox

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-gateway/internal/runtime"
)

// startHealthServer runs a local HTTP server standing in for the analytics
// UI and returns its port plus a counter of health checks served.
func startHealthServer(t *testing.T, status int) (int, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts.Listener.Addr().(*net.TCPAddr).Port, &hits
}

func testConfig() Config {
	return Config{
		DataStoreImage:    "postgres:15",
		AnalyticsImage:    "metabase/metabase:latest",
		Network:           "arena-test",
		AnalyticsPort:     3000,
		DataStoreUser:     "arena",
		DataStorePassword: "arena",
		DataStoreName:     "arena",
		ReadyTimeout:      2 * time.Second,
		PollInterval:      10 * time.Millisecond,
		StopTimeout:       time.Second,
	}
}

func TestProvision_Success(t *testing.T) {
	port, hits := startHealthServer(t, http.StatusOK)
	fake := runtime.NewFakeRuntime()
	p := NewProvisioner(fake, testConfig())

	env, err := p.Provision(context.Background(), 7, port)
	require.NoError(t, err)

	assert.Equal(t, int64(7), env.RolloutID)
	assert.Equal(t, "rollout-db-7", env.DataStoreName)
	assert.Equal(t, "rollout-ui-7", env.AnalyticsName)
	assert.NotEmpty(t, env.DataStoreID)
	assert.NotEmpty(t, env.AnalyticsID)
	assert.Equal(t, 2, fake.Running())
	assert.GreaterOrEqual(t, hits.Load(), int32(1))

	require.NoError(t, p.Teardown(context.Background(), env))
	assert.Equal(t, 0, fake.Count())
}

func TestProvision_MountsDataset(t *testing.T) {
	port, _ := startHealthServer(t, http.StatusOK)
	fake := runtime.NewFakeRuntime()

	dataset := filepath.Join(t.TempDir(), "benchmark.sql")
	require.NoError(t, os.WriteFile(dataset, []byte("CREATE TABLE products (id int);"), 0o644))

	cfg := testConfig()
	cfg.DatasetPath = dataset
	p := NewProvisioner(fake, cfg)
	require.NoError(t, p.Prepare(context.Background()))

	env, err := p.Provision(context.Background(), 11, port)
	require.NoError(t, err)

	spec, ok := fake.Spec(env.DataStoreName)
	require.True(t, ok)
	require.Len(t, spec.Binds, 1)
	assert.Equal(t, dataset+":/docker-entrypoint-initdb.d/00-dataset.sql:ro", spec.Binds[0])

	// The analytics UI gets no dataset mount.
	uiSpec, ok := fake.Spec(env.AnalyticsName)
	require.True(t, ok)
	assert.Empty(t, uiSpec.Binds)
}

func TestPrepare_MissingDataset(t *testing.T) {
	fake := runtime.NewFakeRuntime()

	cfg := testConfig()
	cfg.DatasetPath = filepath.Join(t.TempDir(), "nope.sql")
	p := NewProvisioner(fake, cfg)

	err := p.Prepare(context.Background())
	require.Error(t, err)

	var pErr *ProvisionError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "dataset", pErr.Stage)
}

func TestProvision_NoDatasetNoBinds(t *testing.T) {
	port, _ := startHealthServer(t, http.StatusOK)
	fake := runtime.NewFakeRuntime()
	p := NewProvisioner(fake, testConfig())

	env, err := p.Provision(context.Background(), 12, port)
	require.NoError(t, err)

	spec, ok := fake.Spec(env.DataStoreName)
	require.True(t, ok)
	assert.Empty(t, spec.Binds)
}

func TestProvision_AnalyticsCreateFails(t *testing.T) {
	fake := runtime.NewFakeRuntime()
	fake.CreateErr["rollout-ui-3"] = errors.New("image missing")
	p := NewProvisioner(fake, testConfig())

	_, err := p.Provision(context.Background(), 3, 18100)
	require.Error(t, err)

	var pErr *ProvisionError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "create-analytics", pErr.Stage)

	// The half-built sandbox must not leak the data store container.
	assert.Equal(t, 0, fake.Count())
	assert.Contains(t, fake.Removed, "rollout-db-3")
}

func TestProvision_ReadinessTimeout(t *testing.T) {
	port, _ := startHealthServer(t, http.StatusServiceUnavailable)
	fake := runtime.NewFakeRuntime()

	cfg := testConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	p := NewProvisioner(fake, cfg)

	_, err := p.Provision(context.Background(), 5, port)
	require.Error(t, err)

	var pErr *ProvisionError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "readiness", pErr.Stage)
	assert.Equal(t, 0, fake.Count(), "both containers must be reclaimed on timeout")
}

func TestTeardown_ToleratesMissingContainers(t *testing.T) {
	fake := runtime.NewFakeRuntime()
	p := NewProvisioner(fake, testConfig())

	env := &Environment{
		RolloutID:   9,
		DataStoreID: "gone-db",
		AnalyticsID: "gone-ui",
	}
	assert.NoError(t, p.Teardown(context.Background(), env))
}

func TestSweep_RemovesManagedContainers(t *testing.T) {
	fake := runtime.NewFakeRuntime()
	ctx := context.Background()

	for _, role := range []string{runtime.RoleDataStore, runtime.RoleAnalytics} {
		_, err := fake.Create(ctx, runtime.ContainerSpec{
			Name:   "rollout-orphan-" + role,
			Labels: runtime.RolloutLabels(42, role),
		})
		require.NoError(t, err)
	}
	_, err := fake.Create(ctx, runtime.ContainerSpec{Name: "unrelated"})
	require.NoError(t, err)

	p := NewProvisioner(fake, testConfig())
	removed, err := p.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, removed, 2)
	assert.Equal(t, 1, fake.Count(), "unlabelled containers are left alone")
}

func TestWaitFor_RecoversAfterFailures(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	err := WaitFor(context.Background(), ts.URL, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWaitFor_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitFor(ctx, ts.URL, time.Second, 5*time.Millisecond)
	assert.Error(t, err)
}
