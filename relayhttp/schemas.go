package relayhttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/capability"
)

// schemaTypes names the payloads whose JSON Schema is published.
var schemaTypes = map[string]any{
	"authentication-session-request": new(OpenSessionRequest),
	"access-request":                 new(UpsertAccessRequest),
	"client-request":                 new(UpsertClientRequest),
	"authenticated-request":          new(AuthenticatedRequest),
	"authenticated-event":            new(bus.AuthenticatedEvent),
	"authentication-session-event":   new(bus.SessionCreatedEvent),
	"access-event":                   new(bus.AccessCreatedEvent),
	"client-event":                   new(bus.ClientEvent),
}

func buildSchemas() (map[string][]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	out := make(map[string][]byte, len(schemaTypes))
	for name, v := range schemaTypes {
		s := r.Reflect(v)
		s.ID = jsonschema.ID("/api/1/schemas/" + name)
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("relayhttp: schema %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	b, ok := h.schemas[r.PathValue("name")]
	if !ok {
		env := h.newEnvelope(r)
		writeJSONError(w, env, capability.Errorf(capability.ErrNotFound, "No schema with given name"))
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
