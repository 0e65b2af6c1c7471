package roster

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifyCols(t *testing.T, header ...any) ColumnMap {
	t.Helper()
	cols, err := NewColumnMap(RawRow(header))
	require.NoError(t, err)
	return cols
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestClassifyRow_Verdicts(t *testing.T) {
	cols := classifyCols(t, "Name", "Contact", "Fees", "Paid")

	cases := []struct {
		name string
		row  RawRow
		want Verdict
	}{
		{"complete row", RawRow{"Ravi", "9876543210", "5000", "5000"}, VerdictAccepted},
		{"blank name", RawRow{"  ", "9876543210", "5000", "5000"}, VerdictNoName},
		{"short row", RawRow{}, VerdictNoName},
		{"footer", RawRow{"Grand TOTAL", "", "90000", "45000"}, VerdictSummary},
		{"ghost", RawRow{"Nobody", "12", "", "0"}, VerdictGhost},
		{"no contact but paid", RawRow{"Priya", "", "3000", "1000"}, VerdictAccepted},
		{"short contact with fees", RawRow{"Anil", "123", "100", ""}, VerdictAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyRow(tc.row, cols, 7)
			assert.Equal(t, tc.want, got.Verdict)
			assert.Equal(t, 7, got.Record.Line)
		})
	}
}

func TestClassifyRow_PaidDefaultsToFees(t *testing.T) {
	// GIVEN: A sheet with only an amount column
	// THEN: The amount is both the fees and the paid amount, nothing pending

	cols := classifyCols(t, "Name", "Contact No.", "Amount")
	got := ClassifyRow(RawRow{"Ravi", "98765 43210", "₹5,000"}, cols, 4)

	require.True(t, got.Accepted())
	rec := got.Record
	assert.Equal(t, "9876543210", rec.Contact)
	assert.True(t, dec("5000").Equal(rec.TotalFees))
	assert.True(t, dec("5000").Equal(rec.AmountPaid))
	assert.True(t, rec.PendingAmount.IsZero())
}

func TestClassifyRow_PendingAndDetails(t *testing.T) {
	cols := classifyCols(t, "Name", "Phone", "Course", "Total Fees", "Amount Paid", "DOJ", "Payment Mode", "Institute")

	got := ClassifyRow(RawRow{"Ravi", "9876543210", "Go Basics", "5000", "2000", "19-05-2025", "UPI", "ABC College"}, cols, 3)
	require.True(t, got.Accepted())
	rec := got.Record
	assert.True(t, dec("3000").Equal(rec.PendingAmount))
	assert.Equal(t, "Go Basics", rec.Course)
	assert.Equal(t, "2025-05-19", rec.JoinDate)
	assert.Equal(t, "UPI", rec.PaymentMode)
	assert.Equal(t, "ABC College", rec.Institution)

	// Overpaid floors pending at zero
	got = ClassifyRow(RawRow{"Ravi", "9876543210", "Go", "5000", "6000"}, cols, 4)
	assert.True(t, got.Record.PendingAmount.IsZero())
}

func TestClassifyRow_ExplicitPendingColumn(t *testing.T) {
	cols := classifyCols(t, "Name", "Contact", "Fees", "Paid", "Balance")
	got := ClassifyRow(RawRow{"Ravi", "9876543210", "5000", "2000", "2500"}, cols, 2)
	assert.True(t, dec("2500").Equal(got.Record.PendingAmount))
}
