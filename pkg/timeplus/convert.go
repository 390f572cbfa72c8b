package timeplus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// deref unwraps the pointers nullable columns scan into
func deref(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}

func asString(v interface{}) string {
	switch x := deref(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asFloat(v interface{}) float64 {
	switch x := deref(v).(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		rv := reflect.ValueOf(x)
		switch {
		case rv.CanInt():
			return float64(rv.Int())
		case rv.CanUint():
			return float64(rv.Uint())
		}
		return 0
	}
}

func asInt(v interface{}) int64 {
	switch x := deref(v).(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		rv := reflect.ValueOf(x)
		switch {
		case rv.CanInt():
			return rv.Int()
		case rv.CanUint():
			return int64(rv.Uint())
		}
		return 0
	}
}

func asTime(v interface{}) time.Time {
	switch x := deref(v).(type) {
	case time.Time:
		return x.UTC()
	case string:
		t, _ := time.ParseInLocation(timeLayout, x, time.UTC)
		return t
	default:
		return time.Time{}
	}
}

func asMetadata(v interface{}) map[string]any {
	s := asString(v)
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{"raw": s}
	}
	return m
}
