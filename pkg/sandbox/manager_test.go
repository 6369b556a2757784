package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragnya-works/edward/pkg/kv"
)

// fakeDriver is an in-memory Driver for manager and state tests.
type fakeDriver struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	files      map[string]string
	createErr  error
}

type fakeContainer struct {
	userID    string
	chatID    string
	sandboxID string
	running   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{containers: make(map[string]*fakeContainer)}
}

func (d *fakeDriver) Create(_ context.Context, userID, chatID, sandboxID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	id := fmt.Sprintf("container-%d", d.nextID)
	d.containers[id] = &fakeContainer{userID: userID, chatID: chatID, sandboxID: sandboxID, running: true}
	return id, nil
}

func (d *fakeDriver) EnsureRunning(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerID]
	if !ok {
		return ErrNotFound
	}
	c.running = true
	return nil
}

func (d *fakeDriver) Exec(context.Context, string, []string, ExecOptions) (ExecResult, error) {
	return ExecResult{}, nil
}

func (d *fakeDriver) PutArchive(context.Context, string, io.Reader, string) error {
	return nil
}

func (d *fakeDriver) Archive(_ context.Context, _, _ string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(makeWorkdirTar(d.files))), nil
}

func (d *fakeDriver) ListFiles(context.Context, string) ([]FileInfo, error) {
	var out []FileInfo
	for p, content := range d.files {
		out = append(out, FileInfo{Path: p, Size: int64(len(content))})
	}
	return out, nil
}

func (d *fakeDriver) Alive(_ context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[containerID]
	return ok && c.running, nil
}

func (d *fakeDriver) Destroy(_ context.Context, containerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
	return nil
}

func (d *fakeDriver) ListManaged(context.Context) ([]ManagedContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ManagedContainer
	for id, c := range d.containers {
		out = append(out, ManagedContainer{ContainerID: id, SandboxID: c.sandboxID, ChatID: c.chatID})
	}
	return out, nil
}

func (d *fakeDriver) kill(containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
}

// makeWorkdirTar builds a tar stream the way docker's copy endpoint
// does, with entries under the workdir basename.
func makeWorkdirTar(files map[string]string) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for p, content := range files {
		_ = tw.WriteHeader(&tar.Header{
			Name:     "edward/" + p,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		})
		_, _ = tw.Write([]byte(content))
	}
	_ = tw.Close()
	return buf.Bytes()
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver, *StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := kv.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })

	driver := newFakeDriver()
	state := NewStateStore(client, driver)
	manager := NewManager(driver, state, client, nil, slog.Default())
	return manager, driver, state
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a sandbox for a new chat", func(t *testing.T) {
		m, driver, _ := newTestManager(t)
		state, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)
		assert.NotEmpty(t, state.SandboxID)
		assert.Equal(t, "chat-1", state.ChatID)

		driver.mu.Lock()
		assert.Len(t, driver.containers, 1)
		driver.mu.Unlock()
	})

	t.Run("fast path reuses the live sandbox", func(t *testing.T) {
		m, driver, _ := newTestManager(t)
		first, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)

		second, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)
		assert.Equal(t, first.SandboxID, second.SandboxID)

		driver.mu.Lock()
		assert.Len(t, driver.containers, 1)
		driver.mu.Unlock()
	})

	t.Run("dead container triggers reprovision", func(t *testing.T) {
		m, driver, _ := newTestManager(t)
		first, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)

		driver.kill(first.ContainerID)

		second, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)
		assert.NotEqual(t, first.SandboxID, second.SandboxID)
	})

	t.Run("different chats get different sandboxes", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		a, err := m.Provision(ctx, "user-1", "chat-a")
		require.NoError(t, err)
		b, err := m.Provision(ctx, "user-1", "chat-b")
		require.NoError(t, err)
		assert.NotEqual(t, a.SandboxID, b.SandboxID)
	})

	t.Run("waiter adopts the holder's sandbox", func(t *testing.T) {
		m, _, state := newTestManager(t)

		// Hold the provisioning lock, then populate the index shortly
		// after, the way a concurrent provisioner would.
		lockKey := provisionLockKey("chat-1")
		token, acquired, err := m.lock.Acquire(ctx, lockKey, provisionLockTTL)
		require.NoError(t, err)
		require.True(t, acquired)

		go func() {
			time.Sleep(100 * time.Millisecond)
			containerID, _ := m.driver.Create(context.Background(), "user-1", "chat-1", "other-sandbox")
			_ = state.Save(context.Background(), State{
				SandboxID: "other-sandbox", UserID: "user-1", ChatID: "chat-1",
				ContainerID: containerID, CreatedAt: time.Now(),
			})
			_, _ = m.lock.Release(context.Background(), lockKey, token)
		}()

		got, err := m.Provision(ctx, "user-1", "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "other-sandbox", got.SandboxID)
	})
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	m, driver, state := newTestManager(t)

	s, err := m.Provision(ctx, "user-1", "chat-1")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, s.SandboxID))

	driver.mu.Lock()
	assert.Empty(t, driver.containers)
	driver.mu.Unlock()

	_, err = state.Get(ctx, s.SandboxID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Destroying again is a no-op.
	assert.NoError(t, m.Destroy(ctx, s.SandboxID))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	m, driver, state := newTestManager(t)

	tracked, err := m.Provision(ctx, "user-1", "chat-1")
	require.NoError(t, err)

	// A container with no state record is an orphan.
	orphanID, err := driver.Create(ctx, "user-2", "chat-2", "orphan-sandbox")
	require.NoError(t, err)

	require.NoError(t, m.reconcile(ctx))

	driver.mu.Lock()
	_, trackedAlive := driver.containers[tracked.ContainerID]
	_, orphanAlive := driver.containers[orphanID]
	driver.mu.Unlock()
	assert.True(t, trackedAlive)
	assert.False(t, orphanAlive)

	// Record still intact for the tracked sandbox.
	_, err = state.Get(ctx, tracked.SandboxID)
	assert.NoError(t, err)
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get active validates liveness", func(t *testing.T) {
		_, driver, state := newTestManager(t)
		containerID, err := driver.Create(ctx, "u", "chat-1", "sb-1")
		require.NoError(t, err)
		require.NoError(t, state.Save(ctx, State{
			SandboxID: "sb-1", UserID: "u", ChatID: "chat-1",
			ContainerID: containerID, CreatedAt: time.Now(),
		}))

		got, err := state.GetActive(ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "sb-1", got.SandboxID)

		// The liveness verdict is cached; a freshly killed container is
		// still reported live until the cache entry ages out.
		driver.kill(containerID)
		_, err = state.GetActive(ctx, "chat-1")
		assert.NoError(t, err)

		// Drop the cache entry and the stale record disappears.
		state.mu.Lock()
		delete(state.liveness, containerID)
		state.mu.Unlock()
		_, err = state.GetActive(ctx, "chat-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// The index was swept too.
		_, err = state.Get(ctx, "sb-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing chat", func(t *testing.T) {
		_, _, state := newTestManager(t)
		_, err := state.GetActive(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("framework cache", func(t *testing.T) {
		_, _, state := newTestManager(t)
		fw, err := state.Framework(ctx, "chat-1")
		require.NoError(t, err)
		assert.Empty(t, fw)

		require.NoError(t, state.SetFramework(ctx, "chat-1", "next"))
		fw, err = state.Framework(ctx, "chat-1")
		require.NoError(t, err)
		assert.Equal(t, "next", fw)
	})
}
