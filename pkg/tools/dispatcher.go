package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/errors"
	"voicebridge-server/pkg/metrics"
)

// Tool names the inference peer is configured with.
const (
	ToolFindNearestStore      = "find_nearest_store"
	ToolFilterMenuItems       = "filter_menu_items"
	ToolFetchKnowledgeSnippet = "fetch_knowledge_snippet"
)

// Failure reasons surfaced to the peer as structured results.
const (
	ReasonUnknownTool        = "unknown_tool"
	ReasonServerError        = "server_error"
	ReasonCoordinatesMissing = "coordinates_missing"
)

// pendingCall is one in-flight streamed tool invocation
type pendingCall struct {
	name           string
	argumentBuffer strings.Builder
}

// Outcome is the resolved result of one tool call, ready to be submitted
// back to the inference peer.
type Outcome struct {
	// ID is the peer's call identifier
	ID string

	// Tool is the invoked tool name
	Tool string

	// Payload is the structured result; on failure it is {ok:false, reason}
	Payload map[string]interface{}

	// OK mirrors Payload["ok"]
	OK bool
}

// Serialize renders the payload for submission to the peer. Serialization
// of a tool payload never fails in practice; if it somehow does, the peer
// still receives an answer.
func (o *Outcome) Serialize() string {
	data, err := json.Marshal(o.Payload)
	if err != nil {
		return `{"ok":false,"reason":"` + ReasonServerError + `"}`
	}
	return string(data)
}

// Dispatcher accumulates streamed tool-call arguments for one call session,
// executes the matching capability through the shared caches, and returns
// structured outcomes. Every id resolves exactly once: ids already resolved
// through the streaming path are refused on the bundled completion path.
//
// Not self-locking: all access happens on the session's peer reader
// goroutine.
type Dispatcher struct {
	logger   *logrus.Logger
	registry *Registry

	pending  map[string]*pendingCall
	resolved map[string]bool
}

// NewDispatcher creates a dispatcher bound to the process-wide registry.
func NewDispatcher(logger *logrus.Logger, registry *Registry) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		pending:  make(map[string]*pendingCall),
		resolved: make(map[string]bool),
	}
}

// Begin opens accumulation for a streamed tool call. A duplicate id is a
// logged no-op so a confused peer cannot corrupt an in-flight buffer.
func (d *Dispatcher) Begin(id, name string) {
	if _, exists := d.pending[id]; exists {
		d.logger.WithFields(logrus.Fields{
			"call_id": id,
			"tool":    name,
		}).Warn("Duplicate tool call begin ignored")
		return
	}
	d.pending[id] = &pendingCall{name: name}
}

// Delta appends an argument fragment. Fragments for unknown ids (out of
// order or duplicate events) are dropped.
func (d *Dispatcher) Delta(id, fragment string) {
	call, exists := d.pending[id]
	if !exists {
		d.logger.WithField("call_id", id).Debug("Tool call delta for unknown id dropped")
		return
	}
	call.argumentBuffer.WriteString(fragment)
}

// HasPending reports whether a streamed call is still accumulating.
func (d *Dispatcher) HasPending(id string) bool {
	_, exists := d.pending[id]
	return exists
}

// End closes accumulation and executes the call. It returns false when the
// id was never begun, so stray end events resolve nothing.
func (d *Dispatcher) End(ctx context.Context, id string) (*Outcome, bool) {
	call, exists := d.pending[id]
	if !exists {
		d.logger.WithField("call_id", id).Warn("Tool call end for unknown id ignored")
		return nil, false
	}
	delete(d.pending, id)

	return d.resolve(ctx, id, call.name, call.argumentBuffer.String()), true
}

// Resolve executes a tool call reported in bundled form on the completion
// event. Ids already resolved through the streaming path return false so a
// handler is never invoked twice for the same id.
func (d *Dispatcher) Resolve(ctx context.Context, id, name, args string) (*Outcome, bool) {
	if d.resolved[id] {
		d.logger.WithFields(logrus.Fields{
			"call_id": id,
			"tool":    name,
		}).Debug("Tool call already resolved via streaming path")
		return nil, false
	}
	// A bundled report supersedes any half-streamed buffer for the same id.
	delete(d.pending, id)

	return d.resolve(ctx, id, name, args), true
}

func (d *Dispatcher) resolve(ctx context.Context, id, name, args string) *Outcome {
	d.resolved[id] = true
	done := metrics.ObserveToolLatency(name)
	defer done()

	buffer := strings.TrimSpace(args)
	if buffer == "" {
		buffer = "{}"
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(buffer), &parsed); err != nil {
		parseErr := errors.NewArgumentParse(name, err)
		d.logger.WithError(parseErr).WithFields(logrus.Fields{
			"call_id": id,
			"tool":    name,
			"buffer":  buffer,
		}).Error("Tool call arguments unparsable")
		metrics.RecordToolCall(name, "parse_error")
		// The peer must still get an answer or the conversation hangs.
		return failure(id, name, ReasonServerError)
	}

	var (
		payload map[string]interface{}
		err     error
	)
	switch name {
	case ToolFindNearestStore:
		payload, err = d.findNearestStore(ctx, buffer, parsed)
	case ToolFilterMenuItems:
		payload, err = d.filterMenuItems(ctx, buffer)
	case ToolFetchKnowledgeSnippet:
		payload, err = d.fetchKnowledgeSnippet(ctx, buffer)
	default:
		d.logger.WithError(errors.NewUnknownTool(name)).WithField("call_id", id).
			Warn("Unknown tool requested")
		metrics.RecordToolCall(name, "unknown")
		return failure(id, name, ReasonUnknownTool)
	}

	if err != nil {
		reason := ReasonServerError
		if errors.IsErrorType(err, errors.ErrCoordinatesMissing) {
			reason = ReasonCoordinatesMissing
		}
		d.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": id,
			"tool":    name,
		}).Error("Tool execution failed")
		metrics.RecordToolCall(name, "error")
		return failure(id, name, reason)
	}

	metrics.RecordToolCall(name, "ok")
	payload["ok"] = true
	return &Outcome{ID: id, Tool: name, Payload: payload, OK: true}
}

func failure(id, name, reason string) *Outcome {
	return &Outcome{
		ID:   id,
		Tool: name,
		Payload: map[string]interface{}{
			"ok":     false,
			"reason": reason,
		},
	}
}

// findNearestStore resolves coordinates (geocoding the address when they are
// absent, memoized by lowercased trimmed address) and minimizes distance.
func (d *Dispatcher) findNearestStore(ctx context.Context, raw string, parsed map[string]interface{}) (map[string]interface{}, error) {
	lat, latOK := numberArg(parsed, "lat")
	lon, lonOK := numberArg(parsed, "lon")

	if !latOK || !lonOK {
		address, _ := parsed["address"].(string)
		address = strings.TrimSpace(address)
		if address == "" {
			return nil, errors.Wrap(errors.ErrCoordinatesMissing, "neither coordinates nor address provided")
		}

		cacheKey := strings.ToLower(address)
		if cached, hit := d.registry.StoreCache.Get(cacheKey); hit {
			coords := cached.(*Coordinates)
			lat, lon = coords.Lat, coords.Lon
		} else {
			coords, err := d.registry.Geocoder.Geocode(ctx, address)
			if err != nil {
				return nil, err
			}
			d.registry.StoreCache.Set(cacheKey, coords)
			lat, lon = coords.Lat, coords.Lon
		}
	}

	result, err := d.registry.Stores.NearestStore(ctx, lat, lon)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"store":       result.Store,
		"distance_km": result.DistanceKm,
	}, nil
}

// filterMenuItems is memoized by the exact serialized argument string.
// Order-sensitive key equality is deliberate; semantically equal but
// reordered argument objects miss.
func (d *Dispatcher) filterMenuItems(ctx context.Context, raw string) (map[string]interface{}, error) {
	if cached, hit := d.registry.MenuCache.Get(raw); hit {
		return map[string]interface{}{"items": cached.([]MenuItem)}, nil
	}

	var query MenuQuery
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		return nil, errors.NewArgumentParse(ToolFilterMenuItems, err)
	}

	items, err := d.registry.Menu.FilterItems(ctx, query)
	if err != nil {
		return nil, err
	}

	d.registry.MenuCache.Set(raw, items)
	return map[string]interface{}{"items": items}, nil
}

// fetchKnowledgeSnippet is memoized by the exact serialized argument string.
func (d *Dispatcher) fetchKnowledgeSnippet(ctx context.Context, raw string) (map[string]interface{}, error) {
	if cached, hit := d.registry.KBCache.Get(raw); hit {
		return map[string]interface{}{"snippet": cached.(*Snippet)}, nil
	}

	var query KBQuery
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		return nil, errors.NewArgumentParse(ToolFetchKnowledgeSnippet, err)
	}

	snippet, err := d.registry.Knowledge.FetchSnippet(ctx, query)
	if err != nil {
		return nil, err
	}

	d.registry.KBCache.Set(raw, snippet)
	return map[string]interface{}{"snippet": snippet}, nil
}

func numberArg(parsed map[string]interface{}, key string) (float64, bool) {
	v, ok := parsed[key].(float64)
	return v, ok
}

// Definitions returns the tool declarations the peer session is configured
// with.
func Definitions() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"type":        "function",
			"name":        ToolFindNearestStore,
			"description": "Find the nearest restaurant location. Provide lat/lon when known, otherwise a street address.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"lat":     map[string]interface{}{"type": "number", "description": "Caller latitude"},
					"lon":     map[string]interface{}{"type": "number", "description": "Caller longitude"},
					"address": map[string]interface{}{"type": "string", "description": "Free-form street address"},
				},
			},
		},
		{
			"type":        "function",
			"name":        ToolFilterMenuItems,
			"description": "Filter the menu by category, dietary restriction, price cap or free-text search.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"category":    map[string]interface{}{"type": "string", "description": "pizza, salad, sides, dessert or drinks"},
					"vegetarian":  map[string]interface{}{"type": "boolean"},
					"gluten_free": map[string]interface{}{"type": "boolean"},
					"max_price":   map[string]interface{}{"type": "number", "description": "Maximum price in USD"},
					"search":      map[string]interface{}{"type": "string", "description": "Free-text name or tag search"},
				},
			},
		},
		{
			"type":        "function",
			"name":        ToolFetchKnowledgeSnippet,
			"description": "Answer questions about hours, delivery, allergens, catering, parking, reservations, gift cards or loyalty.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"topic": map[string]interface{}{"type": "string", "description": "The topic to look up"},
				},
				"required": []string{"topic"},
			},
		},
	}
}
