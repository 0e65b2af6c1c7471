package roster

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Verdict is the Row Classifier's decision for one data row.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictNoName   Verdict = "no_name" // blank name cell
	VerdictSummary  Verdict = "summary" // "Total" and similar footer rows
	VerdictGhost    Verdict = "ghost"   // no usable contact and no money
)

// Classification is the result of classifying one row.
type Classification struct {
	Verdict Verdict
	Record  NormalizedRecord
}

// Accepted reports whether the row goes on to identity resolution.
func (c Classification) Accepted() bool { return c.Verdict == VerdictAccepted }

// ClassifyRow normalizes a data row through the column map and decides
// whether it is usable. line is the row's 1-based position in the grid.
func ClassifyRow(row RawRow, cols ColumnMap, line int) Classification {
	rec := NormalizedRecord{
		Line:       line,
		Name:       NormalizeText(cols.Cell(row, FieldName)),
		RawContact: cols.ContactCell(row),
	}

	fees := NormalizeAmount(cols.Cell(row, FieldFees))
	paid := fees
	if cols.Has(FieldPaid) {
		paid = NormalizeAmount(cols.Cell(row, FieldPaid))
	}
	rec.TotalFees = fees
	rec.AmountPaid = paid

	if rec.Name == "" {
		return Classification{Verdict: VerdictNoName, Record: rec}
	}
	if strings.Contains(strings.ToLower(rec.Name), "total") {
		return Classification{Verdict: VerdictSummary, Record: rec}
	}

	rec.Contact = CleanContact(rec.RawContact)
	if !rec.HasContact() && fees.IsZero() && paid.IsZero() {
		return Classification{Verdict: VerdictGhost, Record: rec}
	}

	rec.PendingAmount = pendingAmount(row, cols, fees, paid)
	rec.Course = NormalizeText(cols.Cell(row, FieldCourse))
	rec.JoinDate = NormalizeDate(cols.Cell(row, FieldJoinDate))
	rec.EndDate = NormalizeDate(cols.Cell(row, FieldEndDate))
	rec.PaymentMode = NormalizeText(cols.Cell(row, FieldPaymentMode))
	rec.StudyMode = NormalizeText(cols.Cell(row, FieldStudyMode))
	rec.Duration = NormalizeText(cols.Cell(row, FieldDuration))
	rec.Institution = NormalizeText(cols.Cell(row, FieldInstitution))

	return Classification{Verdict: VerdictAccepted, Record: rec}
}

// pendingAmount prefers the sheet's own pending column and otherwise
// derives fees - paid, floored at zero.
func pendingAmount(row RawRow, cols ColumnMap, fees, paid decimal.Decimal) decimal.Decimal {
	if cols.Has(FieldPending) {
		return NormalizeAmount(cols.Cell(row, FieldPending))
	}
	if fees.GreaterThan(paid) {
		return fees.Sub(paid)
	}
	return decimal.Zero
}
