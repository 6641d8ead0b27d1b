package delegation

import (
	"encoding/json"
	"fmt"
)

// event is an "authenticated" payload. Unknown fields are preserved so that
// relayed frames carry everything the publisher sent.
type event map[string]json.RawMessage

func decodeEvent(data []byte) (event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("decode event: not an object")
	}
	return ev, nil
}

// str returns the string value of key, or "" when absent or not a string.
func (e event) str(key string) string {
	raw, ok := e[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (e event) setStr(key, value string) {
	b, _ := json.Marshal(value)
	e[key] = b
}

func (e event) encode() ([]byte, error) { return json.Marshal(map[string]json.RawMessage(e)) }

const (
	fieldState             = "state"
	fieldClientID          = "client_id"
	fieldAccessToken       = "access_token"
	fieldSynchronizerToken = "synchronizer_token"
)
