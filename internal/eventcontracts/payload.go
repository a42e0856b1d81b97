package eventcontracts

import "encoding/json"

// PayloadToMap round-trips a typed payload struct through JSON to the
// map[string]any shape BuildIdempotencyKey expects. Cheap and simple; these
// payloads are small and this only runs once per published event.
func PayloadToMap(payload any) (map[string]any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
