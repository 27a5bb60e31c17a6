package billing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxUnixSeconds is 9999-12-31T23:59:59Z, the last instant a DATETIME column
// stores.
const maxUnixSeconds = 253402300799

// UnixToTime converts a provider Unix-seconds timestamp into a UTC time.
// Numbers and numeric strings are accepted. Anything non-positive, past
// 9999-12-31T23:59:59Z or unparseable yields nil so a malformed value
// degrades to "unknown".
func UnixToTime(v any) *time.Time {
	var seconds float64
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		seconds = n
	case float32:
		seconds = float64(n)
	case int:
		seconds = float64(n)
	case int32:
		seconds = float64(n)
	case int64:
		seconds = float64(n)
	case uint:
		seconds = float64(n)
	case uint32:
		seconds = float64(n)
	case uint64:
		seconds = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		seconds = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		seconds = f
	default:
		return nil
	}

	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return nil
	}
	if seconds > maxUnixSeconds {
		return nil
	}

	t := time.UnixMilli(int64(seconds * 1000)).UTC()
	return &t
}
