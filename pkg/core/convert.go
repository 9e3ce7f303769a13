package core

import (
	"fmt"
	"strconv"
)

// configString reads a string from a provider config map.
func configString(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configInt reads an integer from a provider config map. Values decoded from
// JSON arrive as float64 and values from YAML or the environment as int or
// string; all are accepted.
func configInt(m map[string]interface{}, key string, def int) (int, error) {
	switch v := m[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidConfig, key)
		}
		return int(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidConfig, key, v)
	}
}

// configInts reads several integers, stopping at the first bad one.
func configInts(m map[string]interface{}, keys map[string]*int) error {
	for key, dst := range keys {
		v, err := configInt(m, key, *dst)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}
