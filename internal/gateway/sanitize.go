package gateway

// maxUnwrapDepth bounds Flatten against pathological self-nested payloads.
const maxUnwrapDepth = 10

// Flatten unwraps a persisted session payload that may have been re-wrapped on
// repeated updates into {"data":{"data":{...{"order_id":...}}}}. It descends
// through "data" keys until a level exposes "order_id" or no "data" key
// remains, and returns that innermost map. Nil input yields an empty map.
func Flatten(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	current := payload
	for depth := 0; depth < maxUnwrapDepth; depth++ {
		if _, ok := current["order_id"]; ok {
			return current
		}
		inner, ok := current["data"].(map[string]any)
		if !ok {
			return current
		}
		current = inner
	}
	return current
}
