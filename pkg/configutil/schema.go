package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
)

// Schema defines required and optional keys for a settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError lists the keys that made a settings map invalid.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	return msg
}

// ValidateSettings validates a settings map against a schema.
// Keys are normalized to be case/underscore/hyphen insensitive.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			missing = append(missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			missing = append(missing, reqKey)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Missing: missing, Unknown: unknown}
}

// CheckVendor validates one vendor block: the provider must have a schema
// and its settings must satisfy it. Failures carry the config_invalid reason.
func CheckVendor(path, provider string, settings map[string]any, schemas map[string]Schema) error {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s.provider is required", path)
	}
	schema, ok := schemas[name]
	if !ok {
		known := make([]string, 0, len(schemas))
		for k := range schemas {
			known = append(known, k)
		}
		sort.Strings(known)
		return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s.provider must be one of [%s], got %q",
			path, strings.Join(known, ", "), provider)
	}
	if err := ValidateSettings(settings, schema); err != nil {
		if se, ok := err.(*SettingsError); ok {
			se.Path = path + ".settings"
		}
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func requiredError(path string) error {
	return errorsx.Wrap(fmt.Errorf("%s is required", path), errorsx.ReasonConfigInvalid)
}
