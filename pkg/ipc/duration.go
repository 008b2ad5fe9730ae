package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Duration travels as fractional seconds in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("duration: invalid value %v", secs)
	}
	*d = Duration(math.Round(secs * float64(time.Second)))
	return nil
}

func durationPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
