package fieldpolicy

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/refguard/internal/model"
)

func isEmpty(v any) bool { return model.IsEmpty(v) }

// Equal reports whether two field values are the same. Two empty values are
// equal; numbers compare by value regardless of their decoded Go type.
func Equal(a, b any) bool {
	if isEmpty(a) && isEmpty(b) {
		return true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Normalize reduces a value to a comparison form that ignores formatting:
// Unicode compatibility forms, case, whitespace runs and doubled or trailing
// punctuation.
func Normalize(v any) string {
	s := norm.NFKC.String(stringify(v))
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	for strings.Contains(s, ",,") {
		s = strings.ReplaceAll(s, ",,", ",")
	}
	s = strings.ReplaceAll(s, " ,", ",")
	return strings.TrimRight(s, ".,; ")
}

// FormattingOnly reports whether changing oldVal to newVal alters only
// formatting. Filling an empty value is never formatting-only.
func FormattingOnly(oldVal, newVal any) bool {
	if isEmpty(oldVal) || isEmpty(newVal) || Equal(oldVal, newVal) {
		return false
	}
	return Normalize(oldVal) == Normalize(newVal)
}

// Matches reports whether a proposed value agrees with an externally sourced
// one, ignoring formatting.
func Matches(proposed, external any) bool {
	if isEmpty(proposed) || isEmpty(external) {
		return false
	}
	return Normalize(proposed) == Normalize(external)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, "; ")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
