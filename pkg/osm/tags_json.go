package osm

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// UnmarshalJSON accepts tag objects with loosely typed values and
// stringifies anything that is not already a string. Unknown keys are
// kept verbatim.
func (t *Tags) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tags, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	*t = out
	return nil
}
