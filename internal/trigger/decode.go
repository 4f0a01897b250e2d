package trigger

import "encoding/json"

func decodeRecord(payload []byte, out interface{}) error {
	return json.Unmarshal(payload, out)
}
