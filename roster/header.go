/*
header.go - Header row detection and the column map

PURPOSE:
  Uploaded rosters rarely start at row 1: there are titles, blank rows and
  merged banner cells above the real header. LocateHeader scans the top of
  the grid for the first row carrying both a name label and a contact label
  and freezes that row into a ColumnMap.

LABEL NORMALIZATION:
  Labels are lowercased and trimmed, trailing "." / ":" are stripped and
  internal whitespace is collapsed, so "Contact No.", "CONTACT NO:" and
  " contact   no " are the same label.

SEE ALSO:
  - classify.go: reads cells through the ColumnMap
*/
package roster

import (
	"slices"
	"strings"
)

// DefaultHeaderScanRows is how many leading rows are searched for a header.
const DefaultHeaderScanRows = 20

// Field identifies a logical column.
type Field int

const (
	FieldName Field = iota
	FieldContact
	FieldAltContact
	FieldFees
	FieldPaid
	FieldPending
	FieldCourse
	FieldJoinDate
	FieldEndDate
	FieldPaymentMode
	FieldStudyMode
	FieldDuration
	FieldInstitution
)

// fieldLabels lists accepted header spellings per field, in priority order.
var fieldLabels = map[Field][]string{
	FieldName:        {"name", "student name", "full name", "candidate name", "name of student", "student"},
	FieldContact:     {"contact no", "contact number", "contact", "contact #", "phone", "phone no", "phone number", "mobile", "mobile no", "mobile number", "ph no"},
	FieldAltContact:  {"alternate contact", "alternate no", "alt contact", "whatsapp", "whatsapp no", "whatsapp number", "parent contact", "guardian contact"},
	FieldFees:        {"total fees", "total fee", "fees", "fee", "course fee", "course fees", "amount", "total amount"},
	FieldPaid:        {"paid till now", "amount paid", "paid amount", "paid", "fees paid", "received"},
	FieldPending:     {"pending", "pending amount", "pending fees", "balance", "balance amount", "due"},
	FieldCourse:      {"course", "course name", "program", "programme", "course/program"},
	FieldJoinDate:    {"joining date", "join date", "date of joining", "doj", "start date", "admission date"},
	FieldEndDate:     {"end date", "completion date", "course end date", "valid till"},
	FieldPaymentMode: {"payment mode", "mode of payment", "payment method"},
	FieldStudyMode:   {"study mode", "mode of study", "batch type", "class mode"},
	FieldDuration:    {"duration", "course duration"},
	FieldInstitution: {"institution", "institute", "college", "college name", "school", "university"},
}

// headerLabel canonicalizes one header cell.
func headerLabel(v any) string {
	s := strings.ToLower(NormalizeText(v))
	s = strings.TrimRight(s, ".:")
	return strings.Join(strings.Fields(s), " ")
}

// =============================================================================
// COLUMN MAP
// =============================================================================

// ColumnMap is the immutable label -> column index map of one file.
// It always resolves FieldName and FieldContact.
type ColumnMap struct {
	labels  map[string]int
	name    int
	contact []int // primary contact column first, then alternates
}

// NewColumnMap builds a ColumnMap from a header row. Fails with
// ErrHeaderNotFound if the row lacks a name or a contact label.
func NewColumnMap(header RawRow) (ColumnMap, error) {
	labels := make(map[string]int, len(header))
	for i, cell := range header {
		label := headerLabel(cell)
		if label == "" {
			continue
		}
		if _, dup := labels[label]; !dup {
			labels[label] = i
		}
	}

	cm := ColumnMap{labels: labels, name: -1}
	if idx, ok := cm.lookup(FieldName); ok {
		cm.name = idx
	}
	if idx, ok := cm.lookup(FieldContact); ok {
		cm.contact = append(cm.contact, idx)
	}
	if cm.name < 0 || len(cm.contact) == 0 {
		return ColumnMap{}, ErrHeaderNotFound
	}
	for _, label := range fieldLabels[FieldAltContact] {
		if idx, ok := labels[label]; ok && idx != cm.contact[0] {
			cm.contact = append(cm.contact, idx)
		}
	}
	return cm, nil
}

func (cm ColumnMap) lookup(f Field) (int, bool) {
	for _, label := range fieldLabels[f] {
		if idx, ok := cm.labels[label]; ok {
			return idx, true
		}
	}
	return -1, false
}

// Index returns the column of a logical field.
func (cm ColumnMap) Index(f Field) (int, bool) {
	switch f {
	case FieldName:
		return cm.name, cm.name >= 0
	case FieldContact:
		if len(cm.contact) == 0 {
			return -1, false
		}
		return cm.contact[0], true
	}
	return cm.lookup(f)
}

// Has reports whether the header carries the field.
func (cm ColumnMap) Has(f Field) bool {
	_, ok := cm.Index(f)
	return ok
}

// Label returns the column index of a raw (already canonical) label.
func (cm ColumnMap) Label(label string) (int, bool) {
	idx, ok := cm.labels[headerLabel(label)]
	return idx, ok
}

// Cell returns the raw cell of field f in row, or nil.
func (cm ColumnMap) Cell(row RawRow, f Field) any {
	idx, ok := cm.Index(f)
	if !ok || idx >= len(row) {
		return nil
	}
	return row[idx]
}

// ContactCell returns the first non-empty contact cell of a row.
func (cm ColumnMap) ContactCell(row RawRow) string {
	for _, idx := range cm.contact {
		if idx < len(row) {
			if s := NormalizeText(row[idx]); s != "" {
				return s
			}
		}
	}
	return ""
}

// =============================================================================
// HEADER LOCATOR
// =============================================================================

// LocateHeader finds the header row within the first scanRows rows and
// returns its ColumnMap and index.
func LocateHeader(grid Grid, scanRows int) (ColumnMap, int, error) {
	if len(grid) == 0 {
		return ColumnMap{}, -1, ErrEmptyInput
	}
	if scanRows <= 0 {
		scanRows = DefaultHeaderScanRows
	}
	limit := min(scanRows, len(grid))

	for i := 0; i < limit; i++ {
		if !isHeaderRow(grid[i]) {
			continue
		}
		cm, err := NewColumnMap(grid[i])
		if err != nil {
			return ColumnMap{}, -1, err
		}
		return cm, i, nil
	}
	return ColumnMap{}, -1, ErrHeaderNotFound
}

func isHeaderRow(row RawRow) bool {
	var hasName, hasContact bool
	for _, cell := range row {
		label := headerLabel(cell)
		if label == "" {
			continue
		}
		if slices.Contains(fieldLabels[FieldName], label) {
			hasName = true
		}
		if slices.Contains(fieldLabels[FieldContact], label) {
			hasContact = true
		}
	}
	return hasName && hasContact
}
