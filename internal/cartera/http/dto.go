package carterahttp

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/floraexport/cartera/internal/cartera"
)

const dateLayout = "2006-01-02"

type allocationRequest struct {
	ChargeID int64          `json:"charge_id" validate:"required,gt=0"`
	Amount   cartera.Amount `json:"amount"`
}

type bankRequest struct {
	BankID    *int64         `json:"bank_id" validate:"omitempty,gt=0"`
	BankFee   cartera.Amount `json:"bank_fee"`
	ReceiptNo string         `json:"receipt_no" validate:"max=64"`
}

type recordSettlementRequest struct {
	Kind        string              `json:"kind" validate:"required,oneof=PG NC RT PP"`
	Date        string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount      cartera.Amount      `json:"amount"`
	Note        string              `json:"note" validate:"max=500"`
	Bank        *bankRequest        `json:"bank"`
	Allocations []allocationRequest `json:"allocations" validate:"dive"`
}

type editSettlementRequest struct {
	Date   *string         `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Amount *cartera.Amount `json:"amount"`
	Note   *string         `json:"note" validate:"omitempty,max=500"`
	Bank   *bankRequest    `json:"bank"`
}

type applyPrepaymentRequest struct {
	Date    string              `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note    string              `json:"note" validate:"max=500"`
	Targets []allocationRequest `json:"targets" validate:"required,min=1,dive"`
}

type reconcileFundRequest struct {
	FundID int64           `json:"fund_id" validate:"required,gt=0"`
	Cap    *cartera.Amount `json:"cap"`
}

type reconcileRequest struct {
	Date    string                 `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Funds   []reconcileFundRequest `json:"funds" validate:"required,min=1,dive"`
	Targets []allocationRequest    `json:"targets" validate:"required,min=1,dive"`
}

type deliverStatementRequest struct {
	From        string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To          string `json:"to" validate:"omitempty,datetime=2006-01-02"`
	PendingOnly bool   `json:"pending_only"`
	Recipient   string `json:"recipient" validate:"omitempty,email"`
}

type settlementCreatedResponse struct {
	ID int64 `json:"id"`
}

type ageingResponse struct {
	Cutoff string          `json:"cutoff"`
	Ageing cartera.Ageing  `json:"ageing"`
	Total  decimal.Decimal `json:"total"`
}

type openChargesResponse struct {
	Cutoff  string               `json:"cutoff"`
	Charges []cartera.OpenCharge `json:"charges"`
	Ageing  cartera.Ageing       `json:"ageing"`
}

type enqueuedResponse struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`
}

func toAllocations(in []allocationRequest) []cartera.AllocationInput {
	out := make([]cartera.AllocationInput, 0, len(in))
	for _, a := range in {
		out = append(out, cartera.AllocationInput{ChargeID: a.ChargeID, Amount: a.Amount.Decimal})
	}
	return out
}

func (b *bankRequest) toBankInfo() cartera.BankInfo {
	if b == nil {
		return cartera.BankInfo{}
	}
	return cartera.BankInfo{BankID: b.BankID, BankFee: b.BankFee.Decimal, ReceiptNo: b.ReceiptNo}
}

// parseDate reads an optional YYYY-MM-DD value; empty yields the zero time.
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must use YYYY-MM-DD", cartera.ErrValidation, raw)
	}
	return t, nil
}
