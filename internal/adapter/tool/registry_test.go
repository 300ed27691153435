package tool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
)

// allTools returns one instance of every built-in tool over backend.
func allTools(backend *MemoryBackend) []domain.Tool {
	logger := nopLogger()
	return []domain.Tool{
		NewRentRollTool(backend, logger),
		NewTenantEmailTool(backend, 10, logger),
		NewActionItemTool(backend, logger),
		NewFetchTicketsTool(backend, logger),
		NewClassifySeverityTool(backend, logger),
		NewContractorSMSTool(backend, 10, logger),
		NewOccupancyTool(backend, logger),
		NewDiscountTool(backend, 0, logger),
		NewRoomSyncTool(backend, logger),
		NewGridPriceTool(backend, logger),
		NewHVACTool(backend, logger),
		NewGridArbitrageTool(backend, logger),
	}
}

// funcTool runs fn on Execute.
type funcTool struct {
	name string
	fn   func(ctx context.Context) (*domain.ToolResult, error)
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "func" }
func (f *funcTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: f.name, Class: domain.ToolClassRead}
}
func (f *funcTool) Execute(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return f.fn(ctx)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(nopLogger(), 0)
	reg.MustRegister(allTools(NewMemoryBackend())...)

	assert.Len(t, reg.Names(), 12)
	tl, ok := reg.Get("control_hvac")
	require.True(t, ok)
	assert.Equal(t, "control_hvac", tl.Name())
	assert.Equal(t, domain.ToolClassControl, tl.Schema().Class)

	_, ok = reg.Get("unknown")
	assert.False(t, ok)
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry(nopLogger(), 0)
	backend := NewMemoryBackend()
	require.NoError(t, reg.Register(NewHVACTool(backend, nopLogger())))

	err := reg.Register(NewHVACTool(backend, nopLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateTool)
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	backend := NewMemoryBackend()
	assert.Panics(t, func() {
		NewRegistry(nopLogger(), 0).MustRegister(NewGridPriceTool(backend, nopLogger()), NewGridPriceTool(backend, nopLogger()))
	})
}

func TestRegistry_SchemasSorted(t *testing.T) {
	reg := NewRegistry(nopLogger(), 0)
	reg.MustRegister(allTools(NewMemoryBackend())...)

	schemas := reg.Schemas()
	require.Len(t, schemas, 12)
	for i := 1; i < len(schemas); i++ {
		assert.Less(t, schemas[i-1].Name, schemas[i].Name)
	}
	for _, s := range schemas {
		assert.NotEmpty(t, s.Parameters, s.Name)
		assert.NotEmpty(t, s.Class, s.Name)
	}
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg := NewRegistry(nopLogger(), 0)
	reg.MustRegister(NewHVACTool(NewMemoryBackend(), nopLogger()))

	assert.NoError(t, reg.ValidateParams("control_hvac", json.RawMessage(`{"room_id":"R1","mode":"eco"}`)))

	err := reg.ValidateParams("control_hvac", json.RawMessage(`{"room_id":"R1","mode":"turbo"}`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = reg.ValidateParams("control_hvac", json.RawMessage(`{"room_id":"R1","mode":"eco","target_c":35}`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = reg.ValidateParams("fly_drone", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nopLogger(), 0)
	backend := NewMemoryBackend()

	var wg sync.WaitGroup
	for _, tl := range allTools(backend) {
		wg.Add(2)
		go func(tl domain.Tool) {
			defer wg.Done()
			_ = reg.Register(tl)
		}(tl)
		go func() {
			defer wg.Done()
			reg.Schemas()
		}()
	}
	wg.Wait()
	assert.Len(t, reg.Names(), 12)
}

// --- timeout bound ---

func TestWithTimeout_SlowToolTimesOut(t *testing.T) {
	slow := &funcTool{name: "slow", fn: func(ctx context.Context) (*domain.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	bounded := WithTimeout(slow, 20*time.Millisecond, nopLogger())

	result, err := bounded.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, domain.ToolErrTimeout, result.Error.Kind)
	assert.True(t, result.Retryable())
}

func TestWithTimeout_DetachedFromCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	tl := &funcTool{name: "effect", fn: func(ctx context.Context) (*domain.ToolResult, error) {
		close(started)
		select {
		case <-time.After(30 * time.Millisecond):
			return domain.OKResult(json.RawMessage(`"done"`)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	bounded := WithTimeout(tl, time.Second, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	result, err := bounded.Execute(ctx, nil)
	require.NoError(t, err)
	assert.True(t, result.Success, "cancelling the caller must not abort a running tool")
}

func TestWithTimeout_NormalizesPanicsAndErrors(t *testing.T) {
	panicky := WithTimeout(&funcTool{name: "panicky", fn: func(context.Context) (*domain.ToolResult, error) {
		panic("boom")
	}}, time.Second, nopLogger())
	result, err := panicky.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolErrExecution, result.Error.Kind)

	erroring := WithTimeout(&funcTool{name: "erroring", fn: func(context.Context) (*domain.ToolResult, error) {
		return nil, domain.NewDomainError("Backend.Ticket", domain.ErrNotFound, "T-1")
	}}, time.Second, nopLogger())
	result, err = erroring.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolErrNotFound, result.Error.Kind)

	silent := WithTimeout(&funcTool{name: "silent", fn: func(context.Context) (*domain.ToolResult, error) {
		return nil, nil
	}}, time.Second, nopLogger())
	result, err = silent.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, domain.ToolErrExecution, result.Error.Kind)
}

func TestRegistry_ToolsAreBounded(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Delay(OpGrid, time.Second)

	reg := NewRegistry(nopLogger(), 20*time.Millisecond)
	reg.MustRegister(NewGridPriceTool(backend, nopLogger()))

	tl, _ := reg.Get("check_grid_price")
	result, err := tl.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolErrTimeout, result.Error.Kind)
}
