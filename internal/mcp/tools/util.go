package tools

import (
	"encoding/json"
	"time"

	"github.com/moolen/sentinel/internal/models"
)

// decode unmarshals tool arguments. Empty input leaves into untouched.
func decode(input json.RawMessage, into interface{}) error {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	if err := json.Unmarshal(input, into); err != nil {
		return models.InvalidRequest("invalid arguments: %v", err)
	}
	return nil
}

// parseDuration accepts Go durations such as "30m" or "6h". Empty returns def.
func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, models.InvalidRequest("invalid duration %q", raw)
	}
	return d, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
