package crawlerclient

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
)

// field looks key up in the shapes the crawler is known to use:
// data.attributes.<key>, data.<key>, attributes.<key>, then <key>.
func field(body map[string]any, key string) any {
	if body == nil {
		return nil
	}
	if data, ok := body["data"].(map[string]any); ok {
		if attrs, ok := data["attributes"].(map[string]any); ok {
			if v, ok := attrs[key]; ok && v != nil {
				return v
			}
		}
		if v, ok := data[key]; ok && v != nil {
			return v
		}
	}
	if attrs, ok := body["attributes"].(map[string]any); ok {
		if v, ok := attrs[key]; ok && v != nil {
			return v
		}
	}
	return body[key]
}

func parseStatus(v any) crawl.Status {
	raw, ok := v.(string)
	if !ok {
		return crawl.StatusIdle
	}
	status := crawl.Status(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ":")))
	if !status.Valid() {
		return crawl.StatusIdle
	}
	return status
}

func firstString(values ...any) string {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return ""
}

func intOr(v any, def int) int {
	switch val := v.(type) {
	case float64:
		return int(math.Round(val))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return int(math.Round(f))
		}
	}
	return def
}

func parseTime(v any) *time.Time {
	switch val := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, val); err == nil {
				utc := ts.UTC()
				return &utc
			}
		}
	case float64:
		ts := time.UnixMilli(int64(val)).UTC()
		return &ts
	}
	return nil
}
