package intake

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTitleLength is the longest accepted title, in characters.
	MaxTitleLength = 200
	// MaxDescriptionLength is the longest accepted description, in characters.
	MaxDescriptionLength = 5000
)

// Fields holds the raw textual fields of a submission. Values may be of
// any type; they are coerced with ToText before checking.
type Fields struct {
	Title       any
	Description any
}

// ValidationResult lists violations in field order. Empty means valid.
type ValidationResult struct {
	Errors []string
}

// Valid reports whether no violations were found.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Validate checks title and description independently and reports every
// violation it finds.
func Validate(f Fields) ValidationResult {
	var res ValidationResult
	if msg := checkText(ToText(f.Title), "Title", MaxTitleLength); msg != "" {
		res.Errors = append(res.Errors, msg)
	}
	if msg := checkText(ToText(f.Description), "Description", MaxDescriptionLength); msg != "" {
		res.Errors = append(res.Errors, msg)
	}
	return res
}

// checkText measures length on the untrimmed value.
func checkText(s, field string, limit int) string {
	if strings.TrimSpace(s) == "" {
		return field + " is required"
	}
	if utf8.RuneCountInString(s) > limit {
		return fmt.Sprintf("%s must be less than %d characters", field, limit)
	}
	return ""
}

// ToText converts v to a string without ever failing. nil and values of
// unsupported types become the empty string.
func ToText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	}
	return ""
}
