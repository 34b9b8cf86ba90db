package tools

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/cache"
	"voicebridge-server/pkg/metrics"
)

func init() {
	metrics.EnableMetrics(false)
}

// countingMenu wraps the catalog menu service to count collaborator calls
type countingMenu struct {
	inner *CatalogMenuService
	calls int
}

func (m *countingMenu) FilterItems(ctx context.Context, query MenuQuery) ([]MenuItem, error) {
	m.calls++
	return m.inner.FilterItems(ctx, query)
}

// countingGeocoder returns fixed coordinates and counts calls
type countingGeocoder struct {
	calls int
	err   error
}

func (g *countingGeocoder) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &Coordinates{Lat: 30.2663, Lon: -97.7456}, nil
}

func newTestRegistry() (*Registry, *countingMenu, *countingGeocoder) {
	menu := &countingMenu{inner: NewCatalogMenuService()}
	geo := &countingGeocoder{}
	return &Registry{
		Stores:     NewCatalogStoreFinder(),
		Menu:       menu,
		Knowledge:  NewCatalogKnowledgeBase(),
		Geocoder:   geo,
		StoreCache: cache.NewLRUCache("store", 400),
		MenuCache:  cache.NewLRUCache("menu", 200),
		KBCache:    cache.NewLRUCache("kb", 200),
	}, menu, geo
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *countingMenu, *countingGeocoder) {
	t.Helper()
	reg, menu, geo := newTestRegistry()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewDispatcher(logger, reg), menu, geo
}

func TestStreamedToolCallResolvesOnce(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", `{"category":`)
	d.Delta("call-1", `"pizza"}`)

	outcome, resolved := d.End(ctx, "call-1")
	require.True(t, resolved)
	assert.True(t, outcome.OK)
	assert.Equal(t, 1, menu.calls)

	items := outcome.Payload["items"].([]MenuItem)
	assert.NotEmpty(t, items)
	for _, item := range items {
		assert.Equal(t, "pizza", item.Category)
	}

	// A second end for the same id resolves nothing.
	_, resolved = d.End(ctx, "call-1")
	assert.False(t, resolved)
	assert.Equal(t, 1, menu.calls)
}

func TestEndWithZeroDeltasTreatsBufferAsEmptyObject(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)

	d.Begin("call-1", ToolFilterMenuItems)

	outcome, resolved := d.End(context.Background(), "call-1")
	require.True(t, resolved)
	assert.True(t, outcome.OK)
	assert.Equal(t, 1, menu.calls)
	assert.Len(t, outcome.Payload["items"].([]MenuItem), len(defaultMenu))
}

func TestDuplicateBeginIsIgnored(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", `{"category":"dessert"}`)
	d.Begin("call-1", ToolFetchKnowledgeSnippet)

	outcome, resolved := d.End(context.Background(), "call-1")
	require.True(t, resolved)
	assert.Equal(t, ToolFilterMenuItems, outcome.Tool, "second begin must not replace the buffer")
	assert.True(t, outcome.OK)
}

func TestDeltaForUnknownIdDropped(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.Delta("never-begun", `{"topic":"hours"}`)

	_, resolved := d.End(context.Background(), "never-begun")
	assert.False(t, resolved)
}

func TestUnparsableArgumentsStillAnswerThePeer(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", `{"category": "piz`)

	outcome, resolved := d.End(context.Background(), "call-1")
	require.True(t, resolved)
	assert.False(t, outcome.OK)
	assert.Equal(t, ReasonServerError, outcome.Payload["reason"])
	assert.Equal(t, 0, menu.calls)
}

func TestUnknownToolYieldsStructuredFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.Begin("call-1", "place_order")
	outcome, resolved := d.End(context.Background(), "call-1")

	require.True(t, resolved)
	assert.False(t, outcome.OK)
	assert.Equal(t, ReasonUnknownTool, outcome.Payload["reason"])
}

func TestColdThenWarmMenuCache(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)
	ctx := context.Background()
	args := `{"category":"pizza","vegetarian":true}`

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", args)
	first, resolved := d.End(ctx, "call-1")
	require.True(t, resolved)
	require.True(t, first.OK)
	assert.Equal(t, 1, menu.calls)

	d.Begin("call-2", ToolFilterMenuItems)
	d.Delta("call-2", args)
	second, resolved := d.End(ctx, "call-2")
	require.True(t, resolved)
	require.True(t, second.OK)

	assert.Equal(t, 1, menu.calls, "warm cache must bypass the collaborator")
	assert.Equal(t, first.Payload, second.Payload)
}

func TestMenuCacheKeyIsOrderSensitive(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", `{"category":"pizza","vegetarian":true}`)
	d.End(ctx, "call-1")

	d.Begin("call-2", ToolFilterMenuItems)
	d.Delta("call-2", `{"vegetarian":true,"category":"pizza"}`)
	d.End(ctx, "call-2")

	assert.Equal(t, 2, menu.calls, "reordered argument objects are distinct keys")
}

func TestStoreLookupGeocodesOnlyWhenCoordinatesAbsent(t *testing.T) {
	d, _, geo := newTestDispatcher(t)
	ctx := context.Background()

	d.Begin("call-1", ToolFindNearestStore)
	d.Delta("call-1", `{"lat":30.27,"lon":-97.74}`)
	outcome, resolved := d.End(ctx, "call-1")

	require.True(t, resolved)
	assert.True(t, outcome.OK)
	assert.Equal(t, 0, geo.calls)
	assert.NotNil(t, outcome.Payload["store"])
}

func TestStoreLookupGeocodeMemoizedByNormalizedAddress(t *testing.T) {
	d, _, geo := newTestDispatcher(t)
	ctx := context.Background()

	d.Begin("call-1", ToolFindNearestStore)
	d.Delta("call-1", `{"address":"600 Congress Ave, Austin"}`)
	first, resolved := d.End(ctx, "call-1")
	require.True(t, resolved)
	require.True(t, first.OK)
	assert.Equal(t, 1, geo.calls)

	// Same address with different casing and padding hits the cache.
	d.Begin("call-2", ToolFindNearestStore)
	d.Delta("call-2", `{"address":"  600 CONGRESS AVE, Austin  "}`)
	second, resolved := d.End(ctx, "call-2")
	require.True(t, resolved)
	require.True(t, second.OK)
	assert.Equal(t, 1, geo.calls)
}

func TestStoreLookupWithoutCoordinatesOrAddress(t *testing.T) {
	d, _, geo := newTestDispatcher(t)

	d.Begin("call-1", ToolFindNearestStore)
	outcome, resolved := d.End(context.Background(), "call-1")

	require.True(t, resolved)
	assert.False(t, outcome.OK)
	assert.Equal(t, ReasonCoordinatesMissing, outcome.Payload["reason"])
	assert.Equal(t, 0, geo.calls)
}

func TestGeocoderFailureSurfacesAsServerError(t *testing.T) {
	d, _, geo := newTestDispatcher(t)
	geo.err = assert.AnError

	d.Begin("call-1", ToolFindNearestStore)
	d.Delta("call-1", `{"address":"somewhere"}`)
	outcome, resolved := d.End(context.Background(), "call-1")

	require.True(t, resolved)
	assert.False(t, outcome.OK)
	assert.Equal(t, ReasonServerError, outcome.Payload["reason"])
}

func TestBundledResolveSkipsAlreadyResolvedIds(t *testing.T) {
	d, menu, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.Begin("call-1", ToolFilterMenuItems)
	d.Delta("call-1", `{"category":"salad"}`)
	_, resolved := d.End(ctx, "call-1")
	require.True(t, resolved)
	assert.Equal(t, 1, menu.calls)

	// The peer re-reports the same call bundled in the completion event.
	_, resolved = d.Resolve(ctx, "call-1", ToolFilterMenuItems, `{"category":"salad"}`)
	assert.False(t, resolved, "the same id must never invoke a handler twice")
	assert.Equal(t, 1, menu.calls)
}

func TestBundledResolveExecutesFreshIds(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	outcome, resolved := d.Resolve(context.Background(), "call-9", ToolFetchKnowledgeSnippet, `{"topic":"delivery"}`)

	require.True(t, resolved)
	require.True(t, outcome.OK)
	snippet := outcome.Payload["snippet"].(*Snippet)
	assert.Equal(t, "delivery", snippet.Topic)
}

func TestKnowledgeSnippetCache(t *testing.T) {
	reg, _, _ := newTestRegistry()
	kbCalls := 0
	reg.Knowledge = knowledgeFunc(func(ctx context.Context, q KBQuery) (*Snippet, error) {
		kbCalls++
		return &Snippet{Topic: q.Topic, Text: "stub"}, nil
	})
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	d := NewDispatcher(logger, reg)
	ctx := context.Background()

	d.Resolve(ctx, "a", ToolFetchKnowledgeSnippet, `{"topic":"hours"}`)
	d.Resolve(ctx, "b", ToolFetchKnowledgeSnippet, `{"topic":"hours"}`)

	assert.Equal(t, 1, kbCalls)
}

type knowledgeFunc func(ctx context.Context, q KBQuery) (*Snippet, error)

func (f knowledgeFunc) FetchSnippet(ctx context.Context, q KBQuery) (*Snippet, error) {
	return f(ctx, q)
}
