package conflict

import "encoding/json"

// mustEncode marshals snapshot payloads for storage. The inputs are plain
// structs of strings, numbers, and slices, so marshalling cannot fail; a
// failure here would mean a programming error, not bad input.
func mustEncode(value interface{}) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return string(encoded)
}
