package gate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"WeaponDetServer/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeBackend struct {
	id int
}

func (f *fakeBackend) Detect(img gocv.Mat, confidence float64) (schema.DetectionSet, error) {
	return schema.DetectionSet{}, nil
}
func (f *fakeBackend) Names() []string { return []string{"weapon"} }
func (f *fakeBackend) Info() schema.EngineInfo {
	return schema.EngineInfo{ModelPath: "fake.onnx", Device: "cpu"}
}
func (f *fakeBackend) GPUActive() bool { return false }
func (f *fakeBackend) Close() error    { return nil }

func TestConcurrentCallersSingleConstruction(t *testing.T) {
	handle := &fakeBackend{id: 7}
	g := New(func() (schema.Backend, error) {
		// Slow load so every caller below races into the barrier.
		time.Sleep(50 * time.Millisecond)
		return handle, nil
	})

	const callers = 32
	results := make([]schema.Backend, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = g.Engine()
		}(i)
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int64(1), g.Builds())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handle, results[i])
	}
	assert.True(t, g.Ready())

	// A late caller gets the same handle without blocking.
	late, err := g.Engine()
	require.NoError(t, err)
	assert.Same(t, handle, late)
	assert.Equal(t, int64(1), g.Builds())
}

func TestConstructionFailureIsSticky(t *testing.T) {
	g := New(func() (schema.Backend, error) {
		return nil, errors.New("weights missing")
	})

	const callers = 8
	errsCh := make(chan error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := g.Engine()
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		assert.ErrorIs(t, err, schema.ErrModelUnavailable)
	}
	assert.False(t, g.Ready())
	assert.Equal(t, int64(1), g.Builds())

	// No automatic re-construction: future callers see the same error and
	// the builder never runs again.
	_, err := g.Engine()
	assert.ErrorIs(t, err, schema.ErrModelUnavailable)
	assert.Equal(t, int64(1), g.Builds())
}

func TestWarmTriggersConstruction(t *testing.T) {
	g := New(func() (schema.Backend, error) {
		return &fakeBackend{}, nil
	})
	assert.False(t, g.Ready())
	require.NoError(t, g.Warm())
	assert.True(t, g.Ready())
	assert.Equal(t, int64(1), g.Builds())

	// Readiness never flips back absent a restart.
	require.NoError(t, g.Warm())
	assert.True(t, g.Ready())
}
