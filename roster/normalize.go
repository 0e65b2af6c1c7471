/*
normalize.go - Cell value normalization

PURPOSE:
  The single conversion layer between raw spreadsheet cells and the
  canonical scalar types the rest of the engine works with. Malformed
  cells never raise: they degrade to "", zero, or the raw text.

DATE ENCODINGS (tried in order):
  1. DD-MM-YYYY text (also "/" and "." separators)
  2. Spreadsheet serial numbers (day 0 = 1899-12-30)
  3. Common free-form layouts (ISO, RFC3339, "19 May 2025", ...)
  Anything else is returned as-is; use IsISODate to tell the difference.

SEE ALSO:
  - classify.go: applies these to a row
*/
package roster

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const isoDate = "2006-01-02"

// maxSerial is 9999-12-31 as a spreadsheet serial.
const maxSerial = 2958465

// minTextSerial is 1927-05-18. Shorter digit runs in text cells are years
// or codes, not serials.
const minTextSerial = 10000

var (
	dmyPattern    = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4})$`)
	serialPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

	serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

	freeFormLayouts = []string{
		isoDate,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006/01/02",
		"2 Jan 2006",
		"02 Jan 2006",
		"2 January 2006",
		"02-Jan-2006",
		"2-Jan-2006",
		"Jan 2, 2006",
		"January 2, 2006",
		"Mon Jan 2 2006",
		"Mon, 02 Jan 2006 15:04:05 MST",
		"20060102",
	}
)

// =============================================================================
// TEXT
// =============================================================================

// NormalizeText stringifies and trims a cell. nil becomes "".
func NormalizeText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case decimal.Decimal:
		return t.String()
	case time.Time:
		return t.Format(isoDate)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// CleanContact keeps only the digits of a contact value.
func CleanContact(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// AMOUNTS
// =============================================================================

// NormalizeAmount converts a currency-formatted cell to a non-negative
// decimal. Everything except digits, '.' and a leading '-' is stripped;
// anything unparsable is zero.
func NormalizeAmount(v any) decimal.Decimal {
	var d decimal.Decimal
	switch t := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		d = t
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero
		}
		d = decimal.NewFromFloat(t)
	case float32:
		return NormalizeAmount(float64(t))
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		parsed, err := decimal.NewFromString(stripAmount(NormalizeText(v)))
		if err != nil {
			return decimal.Zero
		}
		d = parsed
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// stripAmount drops currency symbols, thousands separators and trailing
// "/-" style markers. A minus sign survives only before the first digit.
func stripAmount(s string) string {
	var b strings.Builder
	seenDigit := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		case r == '-' && !seenDigit && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// DATES
// =============================================================================

// NormalizeDate converts a cell to YYYY-MM-DD. If no encoding matches, the
// stringified cell is returned unchanged.
func NormalizeDate(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format(isoDate)
	case float64:
		if s, ok := fromSerial(t); ok {
			return s
		}
		return formatFloat(t)
	case float32:
		return NormalizeDate(float64(t))
	case int:
		return NormalizeDate(float64(t))
	case int64:
		return NormalizeDate(float64(t))
	}

	s := NormalizeText(v)
	if s == "" {
		return ""
	}
	if out, ok := fromDayMonthYear(s); ok {
		return out
	}
	if serialPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= minTextSerial {
			if out, ok := fromSerial(f); ok {
				return out
			}
		}
	}
	for _, layout := range freeFormLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(isoDate)
		}
	}
	return s
}

// IsISODate reports whether s is a parsed YYYY-MM-DD date.
func IsISODate(s string) bool {
	if len(s) != len(isoDate) {
		return false
	}
	_, err := time.Parse(isoDate, s)
	return err == nil
}

// fromDayMonthYear parses DD-MM-YYYY at local midday so a later conversion
// to UTC cannot roll the calendar day.
func fromDayMonthYear(s string) (string, bool) {
	m := dmyPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	t := time.Date(year, time.Month(month), day, 12, 0, 0, 0, time.Local)
	if t.Day() != day {
		return "", false // 31-02-2025 and friends
	}
	return t.Format(isoDate), true
}

func fromSerial(f float64) (string, bool) {
	if math.IsNaN(f) || f < 1 || f > maxSerial {
		return "", false
	}
	return serialEpoch.AddDate(0, 0, int(math.Floor(f))).Format(isoDate), true
}
