package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a byte count that unmarshals from plain integers or
// human-readable strings such as "512", "64KiB", "4MB".
type ByteSize int64

var sizeUnits = map[string]int64{
	"":    1,
	"b":   1,
	"kb":  1000,
	"kib": 1024,
	"mb":  1000 * 1000,
	"mib": 1024 * 1024,
	"gb":  1000 * 1000 * 1000,
	"gib": 1024 * 1024 * 1024,
}

// ParseByteSize parses a human-readable size string.
func ParseByteSize(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))

	split := len(trimmed)
	for split > 0 && !isDigit(trimmed[split-1]) {
		split--
	}

	number := strings.TrimSpace(trimmed[:split])
	unit := strings.TrimSpace(trimmed[split:])

	factor, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	return ByteSize(value * factor), nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// decodeHook translates strings and integers into ByteSize fields during
// viper unmarshalling, composed with the duration hook viper would
// otherwise provide on its own.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	byteSizeType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != byteSizeType {
			return data, nil
		}

		switch from.Kind() {
		case reflect.String:
			return ParseByteSize(data.(string))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return ByteSize(reflect.ValueOf(data).Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return ByteSize(reflect.ValueOf(data).Uint()), nil
		case reflect.Float32, reflect.Float64:
			return ByteSize(reflect.ValueOf(data).Float()), nil
		default:
			return data, nil
		}
	}
}
