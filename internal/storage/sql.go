package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

const sessionColumns = `user_key, state, stars_requested, usdt_amount, payment_reference, invoice_url,
	charge_id, disbursement_id, failure_reason, wallet_address, created_at, updated_at`

// sessionRow is the table layout shared by the SQL backends. Times are unix
// milliseconds, the USDT amount is a decimal string.
type sessionRow struct {
	UserKey          int64  `db:"user_key"`
	State            string `db:"state"`
	StarsRequested   int64  `db:"stars_requested"`
	USDTAmount       string `db:"usdt_amount"`
	PaymentReference string `db:"payment_reference"`
	InvoiceURL       string `db:"invoice_url"`
	ChargeID         string `db:"charge_id"`
	DisbursementID   string `db:"disbursement_id"`
	FailureReason    string `db:"failure_reason"`
	WalletAddress    string `db:"wallet_address"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func toRow(s exchange.Session) sessionRow {
	return sessionRow{
		UserKey:          s.UserKey,
		State:            string(s.State),
		StarsRequested:   s.StarsRequested,
		USDTAmount:       s.USDTAmount.String(),
		PaymentReference: s.PaymentReference,
		InvoiceURL:       s.InvoiceURL,
		ChargeID:         s.ChargeID,
		DisbursementID:   s.DisbursementID,
		FailureReason:    s.FailureReason,
		WalletAddress:    s.WalletAddress,
		CreatedAt:        s.CreatedAt.UnixMilli(),
		UpdatedAt:        s.UpdatedAt.UnixMilli(),
	}
}

func (r sessionRow) session() (exchange.Session, error) {
	usdt := decimal.Zero
	if r.USDTAmount != "" {
		var err error
		usdt, err = decimal.NewFromString(r.USDTAmount)
		if err != nil {
			return exchange.Session{}, fmt.Errorf("parse usdt amount of user %d: %w", r.UserKey, err)
		}
	}

	state := exchange.State(r.State)
	if !state.Valid() {
		return exchange.Session{}, fmt.Errorf("unknown state %q of user %d", r.State, r.UserKey)
	}

	return exchange.Session{
		UserKey:          r.UserKey,
		State:            state,
		StarsRequested:   r.StarsRequested,
		USDTAmount:       usdt,
		PaymentReference: r.PaymentReference,
		InvoiceURL:       r.InvoiceURL,
		ChargeID:         r.ChargeID,
		DisbursementID:   r.DisbursementID,
		FailureReason:    r.FailureReason,
		WalletAddress:    r.WalletAddress,
		CreatedAt:        time.UnixMilli(r.CreatedAt),
		UpdatedAt:        time.UnixMilli(r.UpdatedAt),
	}, nil
}

// sqlStore implements exchange.Store on top of a SQL database. Queries are
// written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db *sqlx.DB
	// lockClause is appended to the row read inside CompareAndSwap
	lockClause string
	now        func() time.Time
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Get returns the session of a user
func (s *sqlStore) Get(ctx context.Context, userKey int64) (exchange.Session, bool, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE user_key = ?`),
		userKey,
	)
	if err == sql.ErrNoRows {
		return exchange.Session{}, false, nil
	}
	if err != nil {
		return exchange.Session{}, false, err
	}

	sess, err := row.session()
	if err != nil {
		return exchange.Session{}, false, err
	}
	return sess, true, nil
}

// CompareAndSwap runs the whole read-check-write in one transaction
func (s *sqlStore) CompareAndSwap(ctx context.Context, userKey int64, expected exchange.State, update exchange.UpdateFunc) (exchange.Session, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return exchange.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Make sure the row exists so that the read below locks it.
	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, 0, '0', '', '', '', '', '', '', ?, ?)
		 ON CONFLICT (user_key) DO NOTHING`),
		userKey, string(exchange.StateIdle), now, now,
	)
	if err != nil {
		return exchange.Session{}, fmt.Errorf("ensure session: %w", err)
	}

	var row sessionRow
	err = tx.GetContext(ctx, &row,
		tx.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE user_key = ?`+s.lockClause),
		userKey,
	)
	if err != nil {
		return exchange.Session{}, fmt.Errorf("read session: %w", err)
	}

	current, err := row.session()
	if err != nil {
		return exchange.Session{}, err
	}
	if current.State != expected {
		return current, fmt.Errorf("%w: state is %s, expected %s", exchange.ErrConflict, current.State, expected)
	}

	next := current
	if err := update(&next); err != nil {
		return current, err
	}

	if next.ChargeID != "" && next.ChargeID != current.ChargeID {
		result, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO charges (charge_id, user_key, recorded_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (charge_id) DO NOTHING`),
			next.ChargeID, userKey, now,
		)
		if err != nil {
			return current, fmt.Errorf("claim charge: %w", err)
		}
		claimed, err := chargeClaimed(result)
		if err != nil {
			return current, err
		}
		if !claimed {
			return current, fmt.Errorf("charge %s: %w", next.ChargeID, exchange.ErrDuplicateNotification)
		}
	}

	_, err = tx.NamedExecContext(ctx,
		`UPDATE sessions SET
			state = :state,
			stars_requested = :stars_requested,
			usdt_amount = :usdt_amount,
			payment_reference = :payment_reference,
			invoice_url = :invoice_url,
			charge_id = :charge_id,
			disbursement_id = :disbursement_id,
			failure_reason = :failure_reason,
			wallet_address = :wallet_address,
			updated_at = :updated_at
		 WHERE user_key = :user_key`,
		toRow(next),
	)
	if err != nil {
		return current, fmt.Errorf("write session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// ChargeRecorded reports whether chargeID was claimed by any session
func (s *sqlStore) ChargeRecorded(ctx context.Context, chargeID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM charges WHERE charge_id = ?`),
		chargeID,
	)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByState returns sessions in state last updated before the given time
func (s *sqlStore) ListByState(ctx context.Context, state exchange.State, updatedBefore time.Time) ([]exchange.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+sessionColumns+` FROM sessions
		 WHERE state = ? AND updated_at < ?
		 ORDER BY updated_at`),
		string(state), updatedBefore.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	sessions := make([]exchange.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.session()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// chargeClaimed reports whether the charge insert added a row
func chargeClaimed(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim charge: rows affected: %w", err)
	}
	return rows > 0, nil
}
