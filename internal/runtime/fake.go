// ABOUTME: In-memory Runtime used by sandbox and engine tests.
// ABOUTME: Records lifecycle calls and supports injected per-container failures.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRuntime implements Runtime entirely in memory.
type FakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	networks   map[string]bool

	// CreateErr and StartErr, when set for a container name, make the
	// matching call fail with that error.
	CreateErr map[string]error
	StartErr  map[string]error

	// Removed records the names of containers removed, in order.
	Removed []string
}

type fakeContainer struct {
	info    ContainerInfo
	spec    ContainerSpec
	started bool
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
		CreateErr:  make(map[string]error),
		StartErr:   make(map[string]error),
	}
}

func (f *FakeRuntime) EnsureImage(ctx context.Context, image string) error {
	return nil
}

func (f *FakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *FakeRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.CreateErr[spec.Name]; err != nil {
		return "", err
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			State:  "created",
			Labels: spec.Labels,
		},
		spec: spec,
	}
	return id, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	if err := f.StartErr[c.info.Name]; err != nil {
		return err
	}
	c.started = true
	c.info.State = "running"
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	c.started = false
	c.info.State = "exited"
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return ErrNotFound
	}
	delete(f.containers, id)
	f.Removed = append(f.Removed, c.info.Name)
	return nil
}

func (f *FakeRuntime) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var infos []ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			infos = append(infos, c.info)
		}
	}
	return infos, nil
}

func (f *FakeRuntime) Close() error {
	return nil
}

// Running reports how many containers are currently in the running state.
func (f *FakeRuntime) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.containers {
		if c.started {
			n++
		}
	}
	return n
}

// Spec returns the spec a container was created with, by container name.
func (f *FakeRuntime) Spec(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.containers {
		if c.info.Name == name {
			return c.spec, true
		}
	}
	return ContainerSpec{}, false
}

// Count reports how many containers exist, running or not.
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

var _ Runtime = (*FakeRuntime)(nil)
