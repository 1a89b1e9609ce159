package cartera

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side selects which half of the ledger a party is read from.
type Side string

const (
	SideClient   Side = "client"
	SideSupplier Side = "supplier"
)

// Valid reports whether the side is known.
func (s Side) Valid() bool {
	return s == SideClient || s == SideSupplier
}

// ChargeKind enumerates documents that increase a party's balance.
type ChargeKind string

const (
	ChargeInvoice        ChargeKind = "F"
	ChargeDebitNote      ChargeKind = "ND"
	ChargeOpeningBalance ChargeKind = "SI"
)

// SettlementKind enumerates documents that decrease a balance or hold funds.
type SettlementKind string

const (
	SettlementPayment    SettlementKind = "PG"
	SettlementCreditNote SettlementKind = "NC"
	SettlementRetention  SettlementKind = "RT"
	SettlementPrepayment SettlementKind = "PP"
)

// ChargeStatusInProgress marks charges still being built upstream.
const ChargeStatusInProgress = "in-progress"

// ChargeKinds lists every kind read into the ledger.
var ChargeKinds = []ChargeKind{ChargeInvoice, ChargeDebitNote, ChargeOpeningBalance}

// SettlementKinds lists every kind read into the ledger.
var SettlementKinds = []SettlementKind{SettlementPayment, SettlementCreditNote, SettlementRetention, SettlementPrepayment}

// Valid reports whether the kind is a ledger charge kind.
func (k ChargeKind) Valid() bool {
	switch k {
	case ChargeInvoice, ChargeDebitNote, ChargeOpeningBalance:
		return true
	}
	return false
}

// Valid reports whether the kind is a ledger settlement kind.
func (k SettlementKind) Valid() bool {
	switch k {
	case SettlementPayment, SettlementCreditNote, SettlementRetention, SettlementPrepayment:
		return true
	}
	return false
}

// IsCredit reports whether the settlement is shown in the credits column.
func (k SettlementKind) IsCredit() bool {
	return k == SettlementCreditNote || k == SettlementRetention
}

// Party is a client or supplier. Client marks point at their principal.
type Party struct {
	ID       int64
	Name     string
	Role     Side
	ParentID *int64
}

// Charge is a billable document.
type Charge struct {
	ID      int64
	PartyID int64
	Number  string
	Date    time.Time
	Kind    ChargeKind
	Amount  decimal.Decimal
	Status  string
}

// BankInfo carries optional bank metadata of a settlement.
type BankInfo struct {
	BankID    *int64
	BankFee   decimal.Decimal
	ReceiptNo string
}

// Settlement is a payment-side document.
type Settlement struct {
	ID            int64
	PartyID       int64
	Date          time.Time
	Kind          SettlementKind
	Amount        decimal.Decimal
	Note          string
	Bank          BankInfo
	IsApplication bool
}

// Allocation links a settlement to a charge.
type Allocation struct {
	ID            int64
	SettlementID  int64
	ChargeID      int64
	Amount        decimal.Decimal
	ApplicationID *int64
}

// AllocationView is an allocation joined with its settlement's kind and the
// date it takes effect: the application's date for prepayment rows, the
// settlement's own date otherwise.
type AllocationView struct {
	Allocation
	SettlementKind SettlementKind
	SettlementDate time.Time
}

// DateRange bounds ledger reads. Zero values leave the bound open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether d falls inside the range.
func (r DateRange) Contains(d time.Time) bool {
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// TimelineRow is one visible movement of the ledger.
type TimelineRow struct {
	Date       time.Time       `json:"date"`
	Kind       string          `json:"kind"`
	DocumentID int64           `json:"document_id"`
	Number     string          `json:"number,omitempty"`
	PartyID    int64           `json:"party_id"`
	Amount     decimal.Decimal `json:"amount"`
	Credits    decimal.Decimal `json:"credits"`
	Payment    decimal.Decimal `json:"payment"`
	Balance    decimal.Decimal `json:"balance"`
	Note       string          `json:"note,omitempty"`
}

// TimelineTotals sums the timeline columns.
type TimelineTotals struct {
	Amount  decimal.Decimal `json:"amount"`
	Credits decimal.Decimal `json:"credits"`
	Payment decimal.Decimal `json:"payment"`
	Balance decimal.Decimal `json:"balance"`
}

// Timeline is the ordered ledger with its totals.
type Timeline struct {
	Rows   []TimelineRow  `json:"rows"`
	Totals TimelineTotals `json:"totals"`
}

// Ageing holds pending amounts per age bucket.
type Ageing struct {
	D0To30  decimal.Decimal `json:"d0_30"`
	D31To60 decimal.Decimal `json:"d31_60"`
	D61To90 decimal.Decimal `json:"d61_90"`
	D90Plus decimal.Decimal `json:"d90_plus"`
}

// Total sums every bucket.
func (a Ageing) Total() decimal.Decimal {
	return a.D0To30.Add(a.D31To60).Add(a.D61To90).Add(a.D90Plus)
}

// Bucket names used by OpenCharge.Bucket.
const (
	Bucket0To30  = "0-30"
	Bucket31To60 = "31-60"
	Bucket61To90 = "61-90"
	Bucket90Plus = "90+"
)

// OpenCharge is the per-charge detail of an ageing run.
type OpenCharge struct {
	ChargeID int64           `json:"charge_id"`
	PartyID  int64           `json:"party_id"`
	Number   string          `json:"number,omitempty"`
	Kind     ChargeKind      `json:"kind"`
	Date     time.Time       `json:"date"`
	Amount   decimal.Decimal `json:"amount"`
	Credits  decimal.Decimal `json:"credits"`
	Payments decimal.Decimal `json:"payments"`
	Pending  decimal.Decimal `json:"pending"`
	AgeDays  int             `json:"age_days"`
	Bucket   string          `json:"bucket"`
}

// SummaryRow is one charge of the ledger summary with the accumulated pending.
type SummaryRow struct {
	ChargeID    int64           `json:"charge_id"`
	PartyID     int64           `json:"party_id"`
	Number      string          `json:"number,omitempty"`
	Kind        ChargeKind      `json:"kind"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Credits     decimal.Decimal `json:"credits"`
	Payments    decimal.Decimal `json:"payments"`
	Pending     decimal.Decimal `json:"pending"`
	Accumulated decimal.Decimal `json:"accumulated"`
}

// Statement is the composed result handed to presentation consumers.
type Statement struct {
	Side                Side            `json:"side"`
	PartyID             int64           `json:"party_id"`
	PartyGroup          []int64         `json:"party_group"`
	From                time.Time       `json:"from"`
	To                  time.Time       `json:"to"`
	Rows                []TimelineRow   `json:"rows"`
	Totals              TimelineTotals  `json:"totals"`
	Ageing              Ageing          `json:"ageing"`
	AvailablePrepayment decimal.Decimal `json:"available_prepayment"`
	NetBalance          decimal.Decimal `json:"net_balance"`
	OpenCharges         []OpenCharge    `json:"open_charges,omitempty"`
}

// StatementOptions tunes statement assembly.
type StatementOptions struct {
	PendingOnly bool
}
