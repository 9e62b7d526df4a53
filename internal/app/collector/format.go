package collector

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// FormatValue renders a field value as the text carried by a Record. Shapes it
// does not know become a descriptive placeholder.
func FormatValue(v any) string {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "Null value"
	}
	switch val := v.(type) {
	case nil:
		return "Null value"
	case bool:
		return strconv.FormatBool(val)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return hex.EncodeToString(val)
	case fmt.Stringer:
		return val.String()
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return "Non-scalar value"
	default:
		return fmt.Sprintf("Unsupported scalar type (%T)", v)
	}
}
