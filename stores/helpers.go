package stores

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/oarkflow/date"
)

// timeLayout sorts lexically, so range predicates work on TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a time column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := scanTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// toJSON encodes a column value. nil encodes as the empty string.
func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
