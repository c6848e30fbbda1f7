package invocation

import "encoding/json"

// unmarshalAny decodes data into dst, used for schema documents that must
// be handed to jsonschema.Compiler as generic JSON values.
func unmarshalAny(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

// roundTripJSON marshals v and unmarshals it into dst, normalizing
// Go-native argument maps into the same generic JSON shape the jsonschema
// validator expects.
func roundTripJSON(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
