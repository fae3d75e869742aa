package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Coerce converts v to the Go representation of the given logical type.
// nil passes through untouched. The conversions here are the declared
// coercion table: file round trips (csv -> parquet -> csv) are value-equal
// modulo exactly these rules.
func Coerce(v Value, t LogicalType) (Value, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Bool:
		return toBool(v)
	case Int8, Int16, Int32, Int64:
		return toInt64(v)
	case Uint8, Uint16, Uint32, Uint64:
		i, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if i.(int64) < 0 {
			return nil, fmt.Errorf("schema: cannot coerce negative value %d to %s", i, t)
		}
		return uint64(i.(int64)), nil
	case Float32, Float64:
		return toFloat64(v)
	case Decimal, String:
		return ToString(v), nil
	case Bytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return []byte(ToString(v)), nil
	case Date, Timestamp, TimestampTZ:
		return toTime(v, t)
	case UUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case [16]byte:
			return uuid.UUID(u), nil
		case string:
			parsed, err := uuid.Parse(u)
			if err != nil {
				return nil, fmt.Errorf("schema: coerce uuid: %w", err)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("schema: cannot coerce %T to uuid", v)
	}
	return v, nil
}

// ToString renders any cell value the way it is written into CSV output and
// masked by the mask transformer.
func ToString(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int8:
		return strconv.FormatInt(int64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case uuid.UUID:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toBool(v Value) (Value, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("schema: coerce bool: %w", err)
		}
		return b, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}
	return nil, fmt.Errorf("schema: cannot coerce %T to bool", v)
}

func toInt64(v Value) (Value, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("schema: coerce int: %w", err)
		}
		return i, nil
	case []byte:
		return toInt64(string(x))
	}
	return nil, fmt.Errorf("schema: cannot coerce %T to int", v)
}

func toFloat64(v Value) (Value, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("schema: coerce float: %w", err)
		}
		return f, nil
	case []byte:
		return toFloat64(string(x))
	}
	return nil, fmt.Errorf("schema: cannot coerce %T to float", v)
}

// timeLayouts are tried in order when parsing temporal strings.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v Value, t LogicalType) (Value, error) {
	switch x := v.(type) {
	case time.Time:
		if t == Date {
			return x.Truncate(24 * time.Hour), nil
		}
		return x, nil
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("schema: cannot parse %q as %s", x, t)
	case int64:
		// Unix seconds.
		return time.Unix(x, 0).UTC(), nil
	}
	return nil, fmt.Errorf("schema: cannot coerce %T to %s", v, t)
}
