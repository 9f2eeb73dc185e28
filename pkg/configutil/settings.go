package configutil

import (
	"reflect"
	"strings"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/mitchellh/mapstructure"
)

var durationType = reflect.TypeOf(time.Duration(0))

// DecodeSettings decodes the free-form vendor settings found at path into
// a typed struct. Keys match fields regardless of case, "_" and "-".
// time.Duration fields take "250ms"-style strings, and integer "_ms"
// fields accept either a number or a duration string.
func DecodeSettings(path string, input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.DecodeHookFuncType(durationStringToMillis),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "%s", path)
	}
	if err := decoder.Decode(input); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "%s", path)
	}
	return nil
}

// durationStringToMillis turns "1.5s" into 1500 for plain integer fields.
// Bare numbers are left to weak typing.
func durationStringToMillis(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to == durationType {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
	default:
		return data, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(reflect.ValueOf(data).String()))
	if err != nil {
		return data, nil
	}
	return int(d / time.Millisecond), nil
}

// RequireString ensures a value is present for a required config field.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return requiredError(path)
	}
	return nil
}

// InRange checks an optional numeric setting. Zero means unset and passes.
func InRange(path string, value, min, max float64) error {
	if value == 0 || (value >= min && value <= max) {
		return nil
	}
	return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s must be between %g and %g, got %g", path, min, max, value)
}

// IntValue returns fallback when value is nil.
func IntValue(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

// Millis converts a millisecond setting; zero or negative yields fallback.
func Millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
