package cartera

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/floraexport/cartera/internal/platform/db"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type pgRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository builds the PostgreSQL backed repository. lockTimeout bounds
// how long a mutation waits for row locks; zero leaves the server default.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) Repository {
	return &pgRepository{pool: pool, lockTimeout: lockTimeout}
}

// WithTx runs fn under READ COMMITTED so that, once a row lock is granted,
// the following statements see allocations committed by the previous holder.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	cfg := db.TxConfig{
		Options:     pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		LockTimeout: r.lockTimeout,
	}
	return db.WithTxOptions(ctx, r.pool, cfg, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
}

func (r *pgRepository) GetParty(ctx context.Context, id int64) (Party, error) {
	return getParty(ctx, r.pool, id)
}

func (r *pgRepository) ListMarks(ctx context.Context, principalID int64) ([]Party, error) {
	return listMarks(ctx, r.pool, principalID)
}

const listChargesSQL = `
	SELECT id, party_id, number, date, kind, amount, status
	FROM charges
	WHERE party_id = ANY(@party_ids)
	  AND kind = ANY(@kinds)
	  AND status <> @excluded_status
	  AND (@date_from::date IS NULL OR date >= @date_from::date)
	  AND (@date_to::date IS NULL OR date <= @date_to::date)
	ORDER BY date, id`

func (r *pgRepository) ListCharges(ctx context.Context, filter LedgerFilter) ([]Charge, error) {
	kinds := make([]string, 0, len(ChargeKinds))
	for _, k := range ChargeKinds {
		kinds = append(kinds, string(k))
	}
	rows, err := r.pool.Query(ctx, listChargesSQL, pgx.NamedArgs{
		"party_ids":       filter.PartyIDs,
		"kinds":           kinds,
		"excluded_status": ChargeStatusInProgress,
		"date_from":       dateArg(filter.Range.From),
		"date_to":         dateArg(filter.Range.To),
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const listSettlementsSQL = `
	SELECT id, party_id, date, kind, amount, note, bank_id, bank_fee, receipt_no, is_application
	FROM settlements
	WHERE party_id = ANY(@party_ids)
	  AND kind = ANY(@kinds)
	  AND (@date_from::date IS NULL OR date >= @date_from::date)
	  AND (@date_to::date IS NULL OR date <= @date_to::date)
	ORDER BY date, id`

func (r *pgRepository) ListSettlements(ctx context.Context, filter LedgerFilter) ([]Settlement, error) {
	kinds := make([]string, 0, len(SettlementKinds))
	for _, k := range SettlementKinds {
		kinds = append(kinds, string(k))
	}
	rows, err := r.pool.Query(ctx, listSettlementsSQL, pgx.NamedArgs{
		"party_ids": filter.PartyIDs,
		"kinds":     kinds,
		"date_from": dateArg(filter.Range.From),
		"date_to":   dateArg(filter.Range.To),
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prepayment allocations take effect on the date of the application that
// wrote them, not on the prepayment's own date.
const listChargeAllocationsSQL = `
	SELECT a.id, a.settlement_id, a.charge_id, a.amount, a.application_id, s.kind, COALESCE(app.date, s.date)
	FROM allocations a
	JOIN settlements s ON s.id = a.settlement_id
	LEFT JOIN settlements app ON app.id = a.application_id
	WHERE a.charge_id = ANY(@charge_ids)
	  AND s.kind = ANY(@kinds)
	  AND (@cutoff::date IS NULL OR COALESCE(app.date, s.date) <= @cutoff::date)
	ORDER BY a.id`

func (r *pgRepository) ListChargeAllocations(ctx context.Context, chargeIDs []int64, cutoff time.Time) ([]AllocationView, error) {
	kinds := make([]string, 0, len(SettlementKinds))
	for _, k := range SettlementKinds {
		kinds = append(kinds, string(k))
	}
	rows, err := r.pool.Query(ctx, listChargeAllocationsSQL, pgx.NamedArgs{
		"charge_ids": chargeIDs,
		"kinds":      kinds,
		"cutoff":     dateArg(cutoff),
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AllocationView
	for rows.Next() {
		var (
			v      AllocationView
			amount pgtype.Numeric
			appID  pgtype.Int8
			kind   string
		)
		if err := rows.Scan(&v.ID, &v.SettlementID, &v.ChargeID, &amount, &appID, &kind, &v.SettlementDate); err != nil {
			return nil, err
		}
		v.Amount = numericToDecimal(amount)
		v.ApplicationID = int8Ptr(appID)
		v.SettlementKind = SettlementKind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}

const sumFundAllocationsSQL = `
	SELECT a.settlement_id, COALESCE(SUM(a.amount), 0)
	FROM allocations a
	JOIN settlements s ON s.id = a.settlement_id
	LEFT JOIN settlements app ON app.id = a.application_id
	WHERE a.settlement_id = ANY(@settlement_ids)
	  AND (@cutoff::date IS NULL OR COALESCE(app.date, s.date) <= @cutoff::date)
	GROUP BY a.settlement_id`

func (r *pgRepository) SumFundAllocations(ctx context.Context, fundIDs []int64, cutoff time.Time) (map[int64]decimal.Decimal, error) {
	return sumBy(ctx, r.pool, sumFundAllocationsSQL, pgx.NamedArgs{
		"settlement_ids": fundIDs,
		"cutoff":         dateArg(cutoff),
	})
}

type pgTxRepository struct {
	q querier
}

func (t *pgTxRepository) GetParty(ctx context.Context, id int64) (Party, error) {
	return getParty(ctx, t.q, id)
}

func (t *pgTxRepository) ListMarks(ctx context.Context, principalID int64) ([]Party, error) {
	return listMarks(ctx, t.q, principalID)
}

func (t *pgTxRepository) LockSettlements(ctx context.Context, ids []int64) ([]Settlement, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, party_id, date, kind, amount, note, bank_id, bank_fee, receipt_no, is_application
		FROM settlements
		WHERE id = ANY(@ids)
		ORDER BY id
		FOR UPDATE`, pgx.NamedArgs{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("lock settlements: %w", err)
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) LockCharges(ctx context.Context, ids []int64) ([]Charge, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, party_id, number, date, kind, amount, status
		FROM charges
		WHERE id = ANY(@ids)
		ORDER BY id
		FOR UPDATE`, pgx.NamedArgs{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("lock charges: %w", err)
	}
	defer rows.Close()

	var out []Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) ChargeAllocatedSums(ctx context.Context, chargeIDs []int64) (map[int64]decimal.Decimal, error) {
	return sumBy(ctx, t.q, `
		SELECT charge_id, COALESCE(SUM(amount), 0)
		FROM allocations
		WHERE charge_id = ANY(@ids)
		GROUP BY charge_id`, pgx.NamedArgs{"ids": chargeIDs})
}

func (t *pgTxRepository) SettlementAllocatedSums(ctx context.Context, settlementIDs []int64) (map[int64]decimal.Decimal, error) {
	return sumBy(ctx, t.q, `
		SELECT settlement_id, COALESCE(SUM(amount), 0)
		FROM allocations
		WHERE settlement_id = ANY(@ids)
		GROUP BY settlement_id`, pgx.NamedArgs{"ids": settlementIDs})
}

func (t *pgTxRepository) ListSettlementAllocations(ctx context.Context, settlementID int64) ([]Allocation, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, settlement_id, charge_id, amount, application_id
		FROM allocations
		WHERE settlement_id = @settlement_id
		ORDER BY id
		FOR UPDATE`, pgx.NamedArgs{"settlement_id": settlementID})
	if err != nil {
		return nil, err
	}
	return scanAllocations(rows)
}

func (t *pgTxRepository) ListApplicationAllocations(ctx context.Context, applicationID int64) ([]Allocation, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, settlement_id, charge_id, amount, application_id
		FROM allocations
		WHERE application_id = @application_id
		ORDER BY id`, pgx.NamedArgs{"application_id": applicationID})
	if err != nil {
		return nil, err
	}
	return scanAllocations(rows)
}

func (t *pgTxRepository) GetSettlements(ctx context.Context, ids []int64) ([]Settlement, error) {
	rows, err := t.q.Query(ctx, `
		SELECT id, party_id, date, kind, amount, note, bank_id, bank_fee, receipt_no, is_application
		FROM settlements
		WHERE id = ANY(@ids)
		ORDER BY id`, pgx.NamedArgs{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("get settlements: %w", err)
	}
	defer rows.Close()

	var out []Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) CreateSettlement(ctx context.Context, s Settlement) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO settlements (party_id, date, kind, amount, note, bank_id, bank_fee, receipt_no, is_application)
		VALUES (@party_id, @date, @kind, @amount, @note, @bank_id, @bank_fee, @receipt_no, @is_application)
		RETURNING id`, settlementArgs(s)).Scan(&id)
	return id, err
}

func (t *pgTxRepository) UpdateSettlement(ctx context.Context, s Settlement) error {
	args := settlementArgs(s)
	args["id"] = s.ID
	tag, err := t.q.Exec(ctx, `
		UPDATE settlements
		SET date = @date, amount = @amount, note = @note, bank_id = @bank_id,
			bank_fee = @bank_fee, receipt_no = @receipt_no, updated_at = NOW()
		WHERE id = @id`, args)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: settlement %d", ErrNotFound, s.ID)
	}
	return nil
}

func (t *pgTxRepository) DeleteSettlement(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM settlements WHERE id = @id`, pgx.NamedArgs{"id": id})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: settlement %d", ErrNotFound, id)
	}
	return nil
}

func (t *pgTxRepository) CreateAllocation(ctx context.Context, a Allocation) (int64, error) {
	var appID pgtype.Int8
	if a.ApplicationID != nil {
		appID = pgtype.Int8{Int64: *a.ApplicationID, Valid: true}
	}
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO allocations (settlement_id, charge_id, amount, application_id)
		VALUES (@settlement_id, @charge_id, @amount, @application_id)
		RETURNING id`, pgx.NamedArgs{
		"settlement_id":  a.SettlementID,
		"charge_id":      a.ChargeID,
		"amount":         decimalToNumeric(a.Amount),
		"application_id": appID,
	}).Scan(&id)
	return id, err
}

func (t *pgTxRepository) UpdateAllocationAmount(ctx context.Context, id int64, amount decimal.Decimal) error {
	_, err := t.q.Exec(ctx, `UPDATE allocations SET amount = @amount WHERE id = @id`, pgx.NamedArgs{
		"id":     id,
		"amount": decimalToNumeric(amount),
	})
	return err
}

func (t *pgTxRepository) DeleteSettlementAllocations(ctx context.Context, settlementID int64) error {
	_, err := t.q.Exec(ctx, `DELETE FROM allocations WHERE settlement_id = @id`, pgx.NamedArgs{"id": settlementID})
	return err
}

func (t *pgTxRepository) DeleteApplicationAllocations(ctx context.Context, applicationID int64) error {
	_, err := t.q.Exec(ctx, `DELETE FROM allocations WHERE application_id = @id`, pgx.NamedArgs{"id": applicationID})
	return err
}

// --- shared helpers ---

func scanAllocations(rows pgx.Rows) ([]Allocation, error) {
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		var (
			a      Allocation
			amount pgtype.Numeric
			appID  pgtype.Int8
		)
		if err := rows.Scan(&a.ID, &a.SettlementID, &a.ChargeID, &amount, &appID); err != nil {
			return nil, err
		}
		a.Amount = numericToDecimal(amount)
		a.ApplicationID = int8Ptr(appID)
		out = append(out, a)
	}
	return out, rows.Err()
}

func getParty(ctx context.Context, q querier, id int64) (Party, error) {
	var (
		p        Party
		role     string
		parentID pgtype.Int8
	)
	err := q.QueryRow(ctx, `SELECT id, name, role, parent_id FROM parties WHERE id = @id`, pgx.NamedArgs{"id": id}).
		Scan(&p.ID, &p.Name, &role, &parentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Party{}, fmt.Errorf("%w: party %d", ErrNotFound, id)
	}
	if err != nil {
		return Party{}, err
	}
	p.Role = Side(role)
	p.ParentID = int8Ptr(parentID)
	return p, nil
}

func listMarks(ctx context.Context, q querier, principalID int64) ([]Party, error) {
	rows, err := q.Query(ctx, `
		SELECT id, name, role, parent_id
		FROM parties
		WHERE parent_id = @parent_id AND role = @role
		ORDER BY id`, pgx.NamedArgs{"parent_id": principalID, "role": string(SideClient)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Party
	for rows.Next() {
		var (
			p        Party
			role     string
			parentID pgtype.Int8
		)
		if err := rows.Scan(&p.ID, &p.Name, &role, &parentID); err != nil {
			return nil, err
		}
		p.Role = Side(role)
		p.ParentID = int8Ptr(parentID)
		out = append(out, p)
	}
	return out, rows.Err()
}

func sumBy(ctx context.Context, q querier, sql string, args pgx.NamedArgs) (map[int64]decimal.Decimal, error) {
	rows, err := q.Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var (
			id  int64
			sum pgtype.Numeric
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		out[id] = numericToDecimal(sum)
	}
	return out, rows.Err()
}

func scanCharge(row pgx.Row) (Charge, error) {
	var (
		c      Charge
		kind   string
		amount pgtype.Numeric
	)
	if err := row.Scan(&c.ID, &c.PartyID, &c.Number, &c.Date, &kind, &amount, &c.Status); err != nil {
		return Charge{}, err
	}
	c.Kind = ChargeKind(kind)
	c.Amount = numericToDecimal(amount)
	return c, nil
}

func scanSettlement(row pgx.Row) (Settlement, error) {
	var (
		s       Settlement
		kind    string
		amount  pgtype.Numeric
		bankID  pgtype.Int8
		bankFee pgtype.Numeric
	)
	if err := row.Scan(&s.ID, &s.PartyID, &s.Date, &kind, &amount, &s.Note, &bankID, &bankFee, &s.Bank.ReceiptNo, &s.IsApplication); err != nil {
		return Settlement{}, err
	}
	s.Kind = SettlementKind(kind)
	s.Amount = numericToDecimal(amount)
	s.Bank.BankID = int8Ptr(bankID)
	s.Bank.BankFee = numericToDecimal(bankFee)
	return s, nil
}

func settlementArgs(s Settlement) pgx.NamedArgs {
	var bankID pgtype.Int8
	if s.Bank.BankID != nil {
		bankID = pgtype.Int8{Int64: *s.Bank.BankID, Valid: true}
	}
	return pgx.NamedArgs{
		"party_id":       s.PartyID,
		"date":           dateArg(s.Date),
		"kind":           string(s.Kind),
		"amount":         decimalToNumeric(s.Amount),
		"note":           s.Note,
		"bank_id":        bankID,
		"bank_fee":       decimalToNumeric(s.Bank.BankFee),
		"receipt_no":     s.Bank.ReceiptNo,
		"is_application": s.IsApplication,
	}
}

func dateArg(t time.Time) pgtype.Date {
	if t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: dayOf(t), Valid: true}
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(d.Coefficient()), Exp: d.Exponent(), Valid: true}
}
