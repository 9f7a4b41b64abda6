// Package schema validates event payloads against versioned JSON Schemas
// before they reach the bus. One schema file per event type is embedded in
// the binary and loaded into a registry keyed by "{version}.{event_type}"
// at startup; the registry is read-only afterwards.
//
// The ValidatingPublisher decorator wraps any bus publisher so every
// outbound payload is checked first. In strict mode (the default outside
// development) a failed validation aborts the publish and nothing reaches
// the bus.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"copilot.mailarchive.org/common"
	"copilot.mailarchive.org/events"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Registry holds the resolved schema for every known
// "{version}.{event_type}" pair.
type Registry struct {
	resolved map[string]*jsonschema.Resolved
}

// NewRegistry loads and resolves every embedded schema file. The file name
// minus the .json suffix is the event type; all embedded schemas belong to
// the current envelope version.
func NewRegistry() (*Registry, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schemas: %w", err)
	}

	r := &Registry{resolved: make(map[string]*jsonschema.Resolved, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
		}
		var s jsonschema.Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", entry.Name(), err)
		}
		resolved, err := s.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve schema %s: %w", entry.Name(), err)
		}
		eventType := strings.TrimSuffix(entry.Name(), ".json")
		r.resolved[events.Version+"."+eventType] = resolved
	}
	return r, nil
}

// Count reports how many schemas are registered.
func (r *Registry) Count() int {
	return len(r.resolved)
}

// Known reports whether a schema is registered for the given version and
// event type.
func (r *Registry) Known(version, eventType string) bool {
	_, ok := r.resolved[version+"."+eventType]
	return ok
}

// Validate checks an event payload against the schema registered under
// "{version}.{event_type}". A missing schema is a validation failure: an
// event type the registry has never heard of must not reach the bus.
func (r *Registry) Validate(version, eventType string, payload map[string]interface{}) error {
	key := version + "." + eventType
	resolved, ok := r.resolved[key]
	if !ok {
		return &common.ValidationError{
			EventType:  eventType,
			Version:    version,
			Violations: []string{fmt.Sprintf("no schema registered under %q", key)},
		}
	}

	var instance interface{} = payload
	if payload == nil {
		instance = map[string]interface{}{}
	}
	if err := resolved.Validate(instance); err != nil {
		return &common.ValidationError{
			EventType:  eventType,
			Version:    version,
			Violations: []string{err.Error()},
		}
	}
	return nil
}

// ValidateEvent checks a whole envelope, using its own version and type.
func (r *Registry) ValidateEvent(event events.Envelope) error {
	return r.Validate(event.Version, event.EventType, event.Data)
}
