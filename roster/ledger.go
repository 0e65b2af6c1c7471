/*
ledger.go - Person and ledger entry construction

PURPOSE:
  Turns a resolved row into the exact records to upsert. Both builders are
  pure: same inputs, same output, which is what makes a re-upload of the
  same file converge instead of drift.

PERSON RULES:
  Create: every field from the row, plus a placeholder email and a
          credential hash derived from the key.
  Update: every normalized field overwritten by the row (last write wins
          per field, no merging); identity fields (key, email, credential,
          created-at) are kept.

LEDGER RULES:
  Only written when the row paid something.
  Subtotal = Total = fees, or the paid amount when the sheet has no fees.
  Status = PAID if paid >= total, else PARTIAL.
  IssueDate = the row's join date when parsed, else today.
  Monetary fields are replaced on every upload, never summed.
*/
package roster

import (
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// DefaultEmailDomain is used for placeholder emails.
const DefaultEmailDomain = "students.invalid"

// DefaultCredentialCost is the bcrypt cost of placeholder credentials.
// Hashing runs once per new person inside the batch transaction.
const DefaultCredentialCost = bcrypt.MinCost

// CredentialFunc derives the stored credential of a new person.
type CredentialFunc func(key CanonicalKey) (string, error)

// BcryptCredential hashes the person key as the initial password.
func BcryptCredential(cost int) CredentialFunc {
	return func(key CanonicalKey) (string, error) {
		hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	}
}

// PlaceholderEmail returns the generated address of a person without one.
func PlaceholderEmail(key CanonicalKey, domain string) string {
	if domain == "" {
		domain = DefaultEmailDomain
	}
	return string(key) + "@" + domain
}

// =============================================================================
// PERSON
// =============================================================================

// BuildPerson returns the record to store for a resolved row. Email and
// credential are carried over from res.Existing and left empty on create.
func BuildPerson(res Resolution, rec NormalizedRecord, now time.Time) PersonRecord {
	p := PersonRecord{
		Key:       res.Key,
		BaseKey:   res.BaseKey,
		Role:      RoleStudent,
		Status:    StatusActive,
		Synthetic: res.Synthetic,
		CreatedAt: now,
	}
	if ex := res.Existing; ex != nil {
		p.BaseKey = ex.BaseKey
		p.Email = ex.Email
		p.CredentialHash = ex.CredentialHash
		p.Synthetic = ex.Synthetic
		p.CreatedAt = ex.CreatedAt
		if ex.Role != "" {
			p.Role = ex.Role
		}
	}

	p.Name = rec.Name
	p.Course = rec.Course
	p.TotalFees = rec.TotalFees
	p.AmountPaid = rec.AmountPaid
	p.PendingAmount = rec.PendingAmount
	p.PaymentMode = rec.PaymentMode
	p.StudyMode = rec.StudyMode
	p.Duration = rec.Duration
	p.Institution = rec.Institution
	p.JoinDate = rec.JoinDate
	p.EndDate = rec.EndDate
	p.UpdatedAt = now
	return p
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// BuildLedgerEntry returns the ledger entry for key. ok is false when the
// row paid nothing and no entry should be written.
func BuildLedgerEntry(key CanonicalKey, rec NormalizedRecord, now time.Time) (LedgerEntry, bool) {
	if !rec.AmountPaid.IsPositive() {
		return LedgerEntry{}, false
	}

	total := rec.TotalFees
	if total.IsZero() {
		total = rec.AmountPaid
	}

	status := LedgerPartial
	if rec.AmountPaid.GreaterThanOrEqual(total) {
		status = LedgerPaid
	}

	due := total.Sub(rec.AmountPaid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	description := rec.Course
	if description == "" {
		description = "Course fee"
	}

	issue := rec.JoinDate
	if !IsISODate(issue) {
		issue = now.Format(isoDate)
	}

	return LedgerEntry{
		ID:        LedgerID(key),
		PersonKey: key,
		Items: []LineItem{{
			Description: description,
			Quantity:    1,
			UnitPrice:   total,
			Amount:      total,
		}},
		Subtotal:    total,
		Total:       total,
		AmountPaid:  rec.AmountPaid,
		BalanceDue:  due,
		Status:      status,
		PaymentMode: rec.PaymentMode,
		IssueDate:   issue,
		UpdatedAt:   now,
	}, true
}
