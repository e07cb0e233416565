package dedupe

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

func newPipelineRequest(t *testing.T, rawURL string) *pipeline.Request {
	t.Helper()
	target, err := workkey.Parse(rawURL)
	require.NoError(t, err)
	return pipeline.NewRequest("req", rawURL, target, nil, zap.NewNop())
}

func TestPlugin_HolderReleasesAfterRender(t *testing.T) {
	env := setup(t, 2, Config{})

	var renders atomic.Int32
	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		renders.Add(1)
		assert.Equal(t, 1, env.inflight(t), "slot is held while rendering")
		return &pipeline.Document{StatusCode: 200, HTML: []byte("<html>ok</html>")}, nil
	})

	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	req := newPipelineRequest(t, "https://example.com/a")
	resp := p.Execute(context.Background(), req)

	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(1), renders.Load())
	assert.Equal(t, 0, env.inflight(t))

	ticket := TicketFrom(req)
	require.NotNil(t, ticket)
	assert.Equal(t, StateReleased, ticket.State)
	assert.False(t, env.mr.Exists(ticket.LockKey))
}

func TestPlugin_ConcurrentDuplicateGets429(t *testing.T) {
	env := setup(t, 5, Config{})

	rendering := make(chan struct{})
	finish := make(chan struct{})
	var renders atomic.Int32
	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		renders.Add(1)
		close(rendering)
		<-finish
		return &pipeline.Document{StatusCode: 200, HTML: []byte("done")}, nil
	})

	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	var first *pipeline.Response
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = p.Execute(context.Background(), newPipelineRequest(t, "https://example.com/slow"))
	}()

	<-rendering
	second := p.Execute(context.Background(), newPipelineRequest(t, "https://example.com/slow"))
	close(finish)
	wg.Wait()

	require.NotNil(t, second)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "5", second.Header.Get("Retry-After"))
	assert.Equal(t, "Render already in progress for this URL. Please retry after 5 seconds.", string(second.Body))

	require.NotNil(t, first)
	assert.Equal(t, 200, first.StatusCode)
	assert.Equal(t, int32(1), renders.Load(), "exactly one request reaches the renderer")
	assert.Equal(t, 0, env.inflight(t))
}

func TestPlugin_BusyGets503WithoutRetryAfter(t *testing.T) {
	env := setup(t, 1, Config{})
	ctx := context.Background()

	held := env.coord.Before(ctx, "https://example.com/held")
	require.Equal(t, StateLockAcquired, held.State)

	rendered := false
	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		rendered = true
		return &pipeline.Document{StatusCode: 200}, nil
	})
	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	resp := p.Execute(ctx, newPipelineRequest(t, "https://example.com/other"))

	assert.False(t, rendered)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "Server busy: 1/1 renders in progress", string(resp.Body))
	assert.Equal(t, 1, env.inflight(t))
}

func TestPlugin_ReleasesWhenRenderFails(t *testing.T) {
	env := setup(t, 1, Config{})

	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		return nil, pipeline.ErrRenderTimeout
	})
	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	resp := p.Execute(context.Background(), newPipelineRequest(t, "https://example.com/a"))

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, 0, env.inflight(t))
	assert.False(t, env.mr.Exists(env.keys.LockKey("example.com/a")))
}

func TestPlugin_UnservedCacheHitIsCoordinated(t *testing.T) {
	env := setup(t, 1, Config{})
	ctx := context.Background()

	held := env.coord.Before(ctx, "https://example.com/held")
	require.Equal(t, StateLockAcquired, held.State)

	// The probe sees an entry but no plugin serves it
	require.NoError(t, env.mr.Set(env.keys.CacheKey("example.com/cached"), "x"))

	rendered := false
	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		rendered = true
		return &pipeline.Document{StatusCode: 200}, nil
	})
	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	req := newPipelineRequest(t, "https://example.com/cached")
	resp := p.Execute(ctx, req)

	assert.False(t, rendered, "no render beyond the ceiling")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, StateRejectedBusy, TicketFrom(req).State)
	assert.Equal(t, 1, env.inflight(t))
	assert.Equal(t, []string{"lock_acquired", "short_circuit", "rejected_busy"}, env.recorder.decisions)
}

func TestPlugin_UnservedCacheHitRendersUnderLock(t *testing.T) {
	env := setup(t, 2, Config{})
	ctx := context.Background()

	require.NoError(t, env.mr.Set(env.keys.CacheKey("example.com/cached"), "x"))
	lockKey := env.keys.LockKey("example.com/cached")

	renderer := pipeline.RenderFunc(func(context.Context, *pipeline.RenderRequest) (*pipeline.Document, error) {
		assert.True(t, env.mr.Exists(lockKey), "lock is held while rendering")
		assert.Equal(t, 1, env.inflight(t))
		return &pipeline.Document{StatusCode: 200, HTML: []byte("fresh")}, nil
	})
	p := pipeline.New(renderer, nil, nil, zap.NewNop())
	p.Use(NewPlugin(env.coord))

	req := newPipelineRequest(t, "https://example.com/cached")
	resp := p.Execute(ctx, req)

	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, StateReleased, TicketFrom(req).State)
	assert.Equal(t, 0, env.inflight(t))
	assert.False(t, env.mr.Exists(lockKey))
}

func TestRecheck_IgnoresCoordinatedTickets(t *testing.T) {
	env := setup(t, 1, Config{})
	ctx := context.Background()

	ticket := env.coord.Before(ctx, "https://example.com/a")
	require.Equal(t, StateLockAcquired, ticket.State)

	assert.Same(t, ticket, env.coord.Recheck(ctx, ticket))
	assert.Equal(t, StateLockAcquired, ticket.State)
	assert.Equal(t, 1, env.inflight(t))
	assert.Nil(t, env.coord.Recheck(ctx, nil))
}

func TestPlugin_Name(t *testing.T) {
	assert.Equal(t, "dedupe", NewPlugin(nil).Name())
	assert.Nil(t, TicketFrom(pipeline.NewRequest("", "", nil, nil, zap.NewNop())))
}
