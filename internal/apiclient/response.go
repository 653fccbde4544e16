package apiclient

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Response shapes of the destination API are not documented. These are the
// keys tried, in order, to find a value; a dot walks into a nested object.
var (
	UploadURLKeys = []string{"url", "file_url", "data.url", "image_url", "path"}
	ProductIDKeys = []string{"id", "product_id", "data.id"}
)

func decodeObject(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// lookup resolves a dotted key against a decoded JSON object.
func lookup(obj map[string]any, key string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first key whose value is a non-empty string or a
// number, formatted as a string.
func firstString(obj map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		v, ok := lookup(obj, key)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val, true
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), true
		case json.Number:
			return val.String(), true
		}
	}
	return "", false
}

// successFlag is true unless the response explicitly says otherwise.
func successFlag(obj map[string]any) bool {
	if v, ok := obj["success"].(bool); ok {
		return v
	}
	return true
}
