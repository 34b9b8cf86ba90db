package tools

import (
	"context"

	"voicebridge-server/pkg/cache"
	"voicebridge-server/pkg/config"
)

// Coordinates is a resolved geographic position
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Store is one physical location in the catalog
type Store struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Phone   string  `json:"phone"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// StoreResult is a nearest-store lookup answer
type StoreResult struct {
	Store      Store   `json:"store"`
	DistanceKm float64 `json:"distance_km"`
}

// MenuItem is one orderable item in the menu catalog
type MenuItem struct {
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	PriceUSD   float64  `json:"price_usd"`
	Calories   int      `json:"calories"`
	Vegetarian bool     `json:"vegetarian"`
	GlutenFree bool     `json:"gluten_free"`
	Tags       []string `json:"tags,omitempty"`
}

// MenuQuery is the filter the menu tool accepts
type MenuQuery struct {
	Category   string  `json:"category,omitempty"`
	Vegetarian *bool   `json:"vegetarian,omitempty"`
	GlutenFree *bool   `json:"gluten_free,omitempty"`
	MaxPrice   float64 `json:"max_price,omitempty"`
	Search     string  `json:"search,omitempty"`
}

// Snippet is one knowledge-base answer
type Snippet struct {
	Topic string `json:"topic"`
	Text  string `json:"text"`
}

// KBQuery is the lookup the knowledge tool accepts
type KBQuery struct {
	Topic string `json:"topic"`
}

// StoreFinder resolves the nearest store to a coordinate pair
type StoreFinder interface {
	NearestStore(ctx context.Context, lat, lon float64) (*StoreResult, error)
}

// MenuService filters the menu catalog
type MenuService interface {
	FilterItems(ctx context.Context, query MenuQuery) ([]MenuItem, error)
}

// KnowledgeBase fetches a topical snippet
type KnowledgeBase interface {
	FetchSnippet(ctx context.Context, query KBQuery) (*Snippet, error)
}

// Geocoder resolves a free-form address to coordinates. External collaborator;
// calls may fail and the dispatcher must contain the failure.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*Coordinates, error)
}

// Registry bundles the capability providers with their process-wide
// memoization caches. One registry is built at startup and injected into
// every call session's dispatcher.
type Registry struct {
	Stores    StoreFinder
	Menu      MenuService
	Knowledge KnowledgeBase
	Geocoder  Geocoder

	StoreCache *cache.LRUCache
	MenuCache  *cache.LRUCache
	KBCache    *cache.LRUCache
}

// NewRegistry wires the default in-memory catalogs, the HTTP geocoder and
// the shared caches from configuration.
func NewRegistry(cfg *config.ToolsConfig) *Registry {
	return &Registry{
		Stores:     NewCatalogStoreFinder(),
		Menu:       NewCatalogMenuService(),
		Knowledge:  NewCatalogKnowledgeBase(),
		Geocoder:   NewHTTPGeocoder(cfg.GeocoderURL, cfg.GeocoderTimeout),
		StoreCache: cache.NewLRUCache("store", cfg.StoreCacheSize),
		MenuCache:  cache.NewLRUCache("menu", cfg.MenuCacheSize),
		KBCache:    cache.NewLRUCache("kb", cfg.KBCacheSize),
	}
}
