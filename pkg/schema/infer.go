package schema

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/torn-tools/tornpipe/pkg/record"
)

// Infer derives a column definition from a sample value.
//
// The inference is deliberately lossy for nested cases: a single sample is not
// enough to derive a reliable nested structure, so objects and arrays of
// objects degrade to STRING. That limitation is logged, not hidden.
func Infer(name string, v record.Value, logger zerolog.Logger) Column {
	switch v.Kind() {
	case record.KindBool:
		return Column{Name: name, Type: KindBool}
	case record.KindInt:
		return Column{Name: name, Type: KindInt}
	case record.KindFloat:
		return Column{Name: name, Type: KindFloat}
	case record.KindString:
		if looksLikeTimestamp(v.String()) {
			return Column{Name: name, Type: KindTimestamp}
		}
		return Column{Name: name, Type: KindString}
	case record.KindObject:
		logger.Warn().
			Str("field", name).
			Msg("Field is a nested object; inferring STRING fallback, manual schema update may be required")
		return Column{Name: name, Type: KindString}
	case record.KindList:
		return inferList(name, v.List(), logger)
	default:
		// Null and anything unexpected: STRING is the safe nullable default.
		return Column{Name: name, Type: KindString}
	}
}

func inferList(name string, list []record.Value, logger zerolog.Logger) Column {
	if len(list) == 0 {
		return Column{Name: name, Type: KindString, Repeated: true}
	}
	first := list[0]
	if first.Kind() == record.KindObject {
		logger.Warn().
			Str("field", name).
			Msg("Field is a repeated object; inferring repeated STRING fallback, manual schema update may be required")
		return Column{Name: name, Type: KindString, Repeated: true}
	}
	elem := Infer(name, first, logger)
	return Column{Name: name, Type: elem.Type, Repeated: true}
}

// looksLikeTimestamp reports whether a string resembles an ISO date-time: a
// "T" separator plus a timezone marker ("Z", "+", or "-" within the final
// offset characters).
func looksLikeTimestamp(s string) bool {
	if !strings.Contains(s, "T") {
		return false
	}
	if strings.Contains(s, "Z") || strings.Contains(s, "+") {
		return true
	}
	if len(s) >= 6 && strings.Contains(s[len(s)-6:], "-") {
		return true
	}
	return false
}
