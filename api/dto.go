/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal roster model from the external API contract. Credential
  hashes never leave the server.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are serialized as decimal strings ("5000.50"), never floats.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/roster-engine/roster"
)

// =============================================================================
// UPLOAD
// =============================================================================

// UploadResponse is returned when a file was committed.
type UploadResponse struct {
	RunID         string         `json:"run_id"`
	Source        string         `json:"source"`
	HeaderRow     int            `json:"header_row"` // 1-based
	Rows          int            `json:"rows"`
	Accepted      int            `json:"accepted"`
	Skipped       int            `json:"skipped"`
	SkippedBy     map[string]int `json:"skipped_by,omitempty"`
	Created       int            `json:"created"`
	Updated       int            `json:"updated"`
	LedgerEntries int            `json:"ledger_entries"`
	Count         int            `json:"count"`
	Warning       string         `json:"warning,omitempty"`
}

// UploadErrorResponse is returned when a file was rejected or rolled back.
// Count is always 0: nothing from the file was committed.
type UploadErrorResponse struct {
	ErrorResponse
	RunID     string `json:"run_id,omitempty"`
	Line      int    `json:"line,omitempty"`
	Retryable bool   `json:"retryable"`
	Count     int    `json:"count"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// PersonDTO represents a person in API responses.
type PersonDTO struct {
	Key           string          `json:"key"`
	BaseKey       string          `json:"base_key"`
	Name          string          `json:"name"`
	Course        string          `json:"course,omitempty"`
	Email         string          `json:"email"`
	Role          string          `json:"role"`
	Status        string          `json:"status"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PendingAmount decimal.Decimal `json:"pending_amount"`
	PaymentMode   string          `json:"payment_mode,omitempty"`
	StudyMode     string          `json:"study_mode,omitempty"`
	Duration      string          `json:"duration,omitempty"`
	Institution   string          `json:"institution,omitempty"`
	JoinDate      string          `json:"join_date,omitempty"`
	EndDate       string          `json:"end_date,omitempty"`
	Synthetic     bool            `json:"synthetic"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// LedgerEntryDTO represents a person's ledger entry.
type LedgerEntryDTO struct {
	ID          string            `json:"id"`
	PersonKey   string            `json:"person_key"`
	Items       []roster.LineItem `json:"items"`
	Subtotal    decimal.Decimal   `json:"subtotal"`
	Total       decimal.Decimal   `json:"total"`
	AmountPaid  decimal.Decimal   `json:"amount_paid"`
	BalanceDue  decimal.Decimal   `json:"balance_due"`
	Status      string            `json:"status"`
	PaymentMode string            `json:"payment_mode,omitempty"`
	IssueDate   string            `json:"issue_date"`
	UpdatedAt   string            `json:"updated_at"`
}

// RunDTO represents an import attempt.
type RunDTO struct {
	ID            string `json:"id"`
	Source        string `json:"source"`
	Status        string `json:"status"`
	Rows          int    `json:"rows"`
	Accepted      int    `json:"accepted"`
	Skipped       int    `json:"skipped"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	LedgerEntries int    `json:"ledger_entries"`
	Count         int    `json:"count"`
	Error         string `json:"error,omitempty"`
	StartedAt     string `json:"started_at"`
	CompletedAt   string `json:"completed_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUploadResponse(r roster.Report) UploadResponse {
	resp := UploadResponse{
		RunID:         r.RunID,
		Source:        r.Source,
		HeaderRow:     r.HeaderRow + 1,
		Rows:          r.Rows,
		Accepted:      r.Accepted,
		Skipped:       r.SkippedTotal(),
		Created:       r.Created,
		Updated:       r.Updated,
		LedgerEntries: r.LedgerEntries,
		Count:         r.Count,
	}
	if len(r.Skipped) > 0 {
		resp.SkippedBy = make(map[string]int, len(r.Skipped))
		for v, n := range r.Skipped {
			resp.SkippedBy[string(v)] = n
		}
	}
	return resp
}

func toPersonDTO(p roster.PersonRecord) PersonDTO {
	return PersonDTO{
		Key:           string(p.Key),
		BaseKey:       p.BaseKey,
		Name:          p.Name,
		Course:        p.Course,
		Email:         p.Email,
		Role:          string(p.Role),
		Status:        string(p.Status),
		TotalFees:     p.TotalFees,
		AmountPaid:    p.AmountPaid,
		PendingAmount: p.PendingAmount,
		PaymentMode:   p.PaymentMode,
		StudyMode:     p.StudyMode,
		Duration:      p.Duration,
		Institution:   p.Institution,
		JoinDate:      p.JoinDate,
		EndDate:       p.EndDate,
		Synthetic:     p.Synthetic,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}

func toLedgerEntryDTO(e roster.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:          e.ID,
		PersonKey:   string(e.PersonKey),
		Items:       e.Items,
		Subtotal:    e.Subtotal,
		Total:       e.Total,
		AmountPaid:  e.AmountPaid,
		BalanceDue:  e.BalanceDue,
		Status:      string(e.Status),
		PaymentMode: e.PaymentMode,
		IssueDate:   e.IssueDate,
		UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
	}
}

func toRunDTO(r roster.ImportRun) RunDTO {
	return RunDTO{
		ID:            r.ID,
		Source:        r.Source,
		Status:        string(r.Status),
		Rows:          r.Rows,
		Accepted:      r.Accepted,
		Skipped:       r.Skipped,
		Created:       r.Created,
		Updated:       r.Updated,
		LedgerEntries: r.LedgerEntries,
		Count:         r.Count,
		Error:         r.Error,
		StartedAt:     r.StartedAt.Format(time.RFC3339),
		CompletedAt:   r.CompletedAt.Format(time.RFC3339),
	}
}
