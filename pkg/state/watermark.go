package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Watermark is the timestamp of the last logged turn. The zero value means
// nothing has been logged yet and every turn is new.
type Watermark struct {
	time.Time
}

// NewWatermark wraps t.
func NewWatermark(t time.Time) Watermark {
	return Watermark{Time: t}
}

// MarshalJSON writes 0 for the zero watermark and an RFC 3339 string otherwise.
func (w Watermark) MarshalJSON() ([]byte, error) {
	if w.IsZero() {
		return []byte("0"), nil
	}
	return json.Marshal(w.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null, an RFC 3339 string, or epoch milliseconds.
func (w *Watermark) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*w = Watermark{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*w = Watermark{}
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid watermark %q: %w", s, err)
		}
		*w = Watermark{Time: t}
		return nil
	}

	var millis int64
	if err := json.Unmarshal(data, &millis); err != nil {
		return fmt.Errorf("invalid watermark %s: %w", data, err)
	}
	if millis == 0 {
		*w = Watermark{}
		return nil
	}
	*w = Watermark{Time: time.UnixMilli(millis).UTC()}
	return nil
}
