package scheduler

import "encoding/json"

func marshalRecord(rec interface{}) ([]byte, error) {
	return json.Marshal(rec)
}
