package tools

import (
	"context"
	"math"
	"sort"
	"strings"

	"voicebridge-server/pkg/errors"
)

// CatalogStoreFinder minimizes haversine distance over the in-memory
// store catalog.
type CatalogStoreFinder struct {
	stores []Store
}

// NewCatalogStoreFinder builds a finder over the default store catalog.
func NewCatalogStoreFinder() *CatalogStoreFinder {
	return &CatalogStoreFinder{stores: defaultStores}
}

// NearestStore returns the closest store to the given coordinates.
func (f *CatalogStoreFinder) NearestStore(_ context.Context, lat, lon float64) (*StoreResult, error) {
	if len(f.stores) == 0 {
		return nil, errors.New("store catalog is empty")
	}

	best := f.stores[0]
	bestKm := haversineKm(lat, lon, best.Lat, best.Lon)
	for _, s := range f.stores[1:] {
		if d := haversineKm(lat, lon, s.Lat, s.Lon); d < bestKm {
			best = s
			bestKm = d
		}
	}

	return &StoreResult{
		Store:      best,
		DistanceKm: math.Round(bestKm*100) / 100,
	}, nil
}

// haversineKm computes great-circle distance in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// CatalogMenuService filters the in-memory menu catalog.
type CatalogMenuService struct {
	items []MenuItem
}

// NewCatalogMenuService builds a menu service over the default catalog.
func NewCatalogMenuService() *CatalogMenuService {
	return &CatalogMenuService{items: defaultMenu}
}

// FilterItems applies the query to the catalog. An empty query returns the
// whole menu. Results keep catalog order.
func (s *CatalogMenuService) FilterItems(_ context.Context, query MenuQuery) ([]MenuItem, error) {
	var out []MenuItem
	search := strings.ToLower(strings.TrimSpace(query.Search))

	for _, item := range s.items {
		if query.Category != "" && !strings.EqualFold(item.Category, query.Category) {
			continue
		}
		if query.Vegetarian != nil && item.Vegetarian != *query.Vegetarian {
			continue
		}
		if query.GlutenFree != nil && item.GlutenFree != *query.GlutenFree {
			continue
		}
		if query.MaxPrice > 0 && item.PriceUSD > query.MaxPrice {
			continue
		}
		if search != "" && !menuItemMatches(item, search) {
			continue
		}
		out = append(out, item)
	}

	return out, nil
}

func menuItemMatches(item MenuItem, search string) bool {
	if strings.Contains(strings.ToLower(item.Name), search) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), search) {
			return true
		}
	}
	return false
}

// CatalogKnowledgeBase answers topical questions from the in-memory
// knowledge snippets.
type CatalogKnowledgeBase struct {
	snippets map[string]Snippet
}

// NewCatalogKnowledgeBase builds a knowledge base over the default snippets.
func NewCatalogKnowledgeBase() *CatalogKnowledgeBase {
	kb := &CatalogKnowledgeBase{snippets: make(map[string]Snippet, len(defaultSnippets))}
	for _, s := range defaultSnippets {
		kb.snippets[normalizeTopic(s.Topic)] = s
	}
	return kb
}

// FetchSnippet returns the snippet for a topic, trying an exact normalized
// match first and falling back to substring matching over known topics.
func (kb *CatalogKnowledgeBase) FetchSnippet(_ context.Context, query KBQuery) (*Snippet, error) {
	topic := normalizeTopic(query.Topic)
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	if s, ok := kb.snippets[topic]; ok {
		return &s, nil
	}

	// Deterministic fallback: scan topics in sorted order.
	keys := make([]string, 0, len(kb.snippets))
	for k := range kb.snippets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, topic) || strings.Contains(topic, k) {
			s := kb.snippets[k]
			return &s, nil
		}
	}

	return nil, errors.Wrap(errors.ErrNotFound, "no snippet for topic").WithField("topic", query.Topic)
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// Default catalog data for the Luna's Pizzeria deployment. Swapping brands
// means replacing these tables at build time.
var defaultStores = []Store{
	{ID: "lp-001", Name: "Luna's Pizzeria Downtown", Address: "112 W 3rd St, Austin, TX 78701", Phone: "+1-512-555-0141", Lat: 30.2663, Lon: -97.7456},
	{ID: "lp-002", Name: "Luna's Pizzeria South Lamar", Address: "2120 S Lamar Blvd, Austin, TX 78704", Phone: "+1-512-555-0178", Lat: 30.2498, Lon: -97.7709},
	{ID: "lp-003", Name: "Luna's Pizzeria Mueller", Address: "1905 Aldrich St, Austin, TX 78723", Phone: "+1-512-555-0113", Lat: 30.2969, Lon: -97.7036},
	{ID: "lp-004", Name: "Luna's Pizzeria Domain", Address: "11410 Century Oaks Ter, Austin, TX 78758", Phone: "+1-512-555-0192", Lat: 30.4019, Lon: -97.7252},
	{ID: "lp-005", Name: "Luna's Pizzeria Round Rock", Address: "201 University Oaks Blvd, Round Rock, TX 78665", Phone: "+1-512-555-0164", Lat: 30.5255, Lon: -97.6890},
	{ID: "lp-006", Name: "Luna's Pizzeria Westlake", Address: "701 S Capital of Texas Hwy, Austin, TX 78746", Phone: "+1-512-555-0137", Lat: 30.2962, Lon: -97.8099},
}

var defaultMenu = []MenuItem{
	{Name: "Margherita", Category: "pizza", PriceUSD: 13.50, Calories: 870, Vegetarian: true, Tags: []string{"classic", "tomato", "basil"}},
	{Name: "Pepperoni", Category: "pizza", PriceUSD: 15.00, Calories: 1040, Tags: []string{"classic"}},
	{Name: "Quattro Formaggi", Category: "pizza", PriceUSD: 16.50, Calories: 1120, Vegetarian: true, Tags: []string{"cheese"}},
	{Name: "Diavola", Category: "pizza", PriceUSD: 16.00, Calories: 1010, Tags: []string{"spicy", "salami"}},
	{Name: "Funghi e Tartufo", Category: "pizza", PriceUSD: 18.00, Calories: 950, Vegetarian: true, Tags: []string{"mushroom", "truffle"}},
	{Name: "Gluten-Free Margherita", Category: "pizza", PriceUSD: 15.50, Calories: 790, Vegetarian: true, GlutenFree: true, Tags: []string{"tomato", "basil"}},
	{Name: "Caesar Salad", Category: "salad", PriceUSD: 9.50, Calories: 380, Tags: []string{"romaine", "parmesan"}},
	{Name: "Caprese Salad", Category: "salad", PriceUSD: 10.00, Calories: 320, Vegetarian: true, GlutenFree: true, Tags: []string{"mozzarella", "tomato"}},
	{Name: "Garlic Knots", Category: "sides", PriceUSD: 6.00, Calories: 450, Vegetarian: true, Tags: []string{"garlic"}},
	{Name: "Tiramisu", Category: "dessert", PriceUSD: 7.50, Calories: 420, Vegetarian: true, Tags: []string{"coffee"}},
	{Name: "Cannoli", Category: "dessert", PriceUSD: 6.50, Calories: 380, Vegetarian: true, Tags: []string{"ricotta"}},
	{Name: "Italian Soda", Category: "drinks", PriceUSD: 3.50, Calories: 120, Vegetarian: true, GlutenFree: true, Tags: []string{"sparkling"}},
}

var defaultSnippets = []Snippet{
	{Topic: "hours", Text: "All locations are open 11am to 10pm Sunday through Thursday, and 11am to midnight Friday and Saturday."},
	{Topic: "delivery", Text: "Delivery is available within 8 km of each location with a $15 minimum order. Typical delivery time is 35 to 45 minutes."},
	{Topic: "allergens", Text: "Dough contains wheat; gluten-free crusts are prepared in a shared kitchen. Pesto contains pine nuts. Ask about dairy-free cheese."},
	{Topic: "catering", Text: "Catering orders need 24 hours notice and start at 10 people. Party-size pizzas and salad trays are available."},
	{Topic: "parking", Text: "Downtown and South Lamar have validated garage parking; all other locations have free lots."},
	{Topic: "reservations", Text: "Tables for parties of 8 or more can be reserved by phone; smaller parties are seated first come, first served."},
	{Topic: "gift cards", Text: "Physical and digital gift cards are available in any amount from $10 to $250 and never expire."},
	{Topic: "loyalty", Text: "The Luna Rewards program earns one point per dollar; 100 points is a free medium one-topping pizza."},
}
