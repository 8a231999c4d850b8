package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

var (
	sessionsBucket = []byte("sessions")
	chargesBucket  = []byte("charges")
)

// boltRecord is the JSON value stored per user
type boltRecord struct {
	UserKey          int64           `json:"user_key"`
	State            exchange.State  `json:"state"`
	StarsRequested   int64           `json:"stars_requested"`
	USDTAmount       decimal.Decimal `json:"usdt_amount"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	InvoiceURL       string          `json:"invoice_url,omitempty"`
	ChargeID         string          `json:"charge_id,omitempty"`
	DisbursementID   string          `json:"disbursement_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	WalletAddress    string          `json:"wallet_address,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type chargeRecord struct {
	UserKey    int64     `json:"user_key"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Bolt keeps sessions in an embedded BoltDB file. Bolt runs one write
// transaction at a time, which makes every CompareAndSwap atomic.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBolt opens (or creates) the database at path and its buckets
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, chargesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// Close releases the database file lock
func (b *Bolt) Close() error {
	return b.db.Close()
}

func userKeyBytes(userKey int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(userKey))
	return key
}

func decodeSession(v []byte) (exchange.Session, error) {
	var r boltRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return exchange.Session{}, err
	}
	return exchange.Session{
		UserKey:          r.UserKey,
		State:            r.State,
		StarsRequested:   r.StarsRequested,
		USDTAmount:       r.USDTAmount,
		PaymentReference: r.PaymentReference,
		InvoiceURL:       r.InvoiceURL,
		ChargeID:         r.ChargeID,
		DisbursementID:   r.DisbursementID,
		FailureReason:    r.FailureReason,
		WalletAddress:    r.WalletAddress,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func encodeSession(s exchange.Session) ([]byte, error) {
	return json.Marshal(boltRecord{
		UserKey:          s.UserKey,
		State:            s.State,
		StarsRequested:   s.StarsRequested,
		USDTAmount:       s.USDTAmount,
		PaymentReference: s.PaymentReference,
		InvoiceURL:       s.InvoiceURL,
		ChargeID:         s.ChargeID,
		DisbursementID:   s.DisbursementID,
		FailureReason:    s.FailureReason,
		WalletAddress:    s.WalletAddress,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	})
}

// Get returns the session of a user
func (b *Bolt) Get(_ context.Context, userKey int64) (exchange.Session, bool, error) {
	var (
		sess  exchange.Session
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(userKeyBytes(userKey))
		if v == nil {
			return nil
		}
		found = true
		var err error
		sess, err = decodeSession(v)
		return err
	})
	if err != nil {
		return exchange.Session{}, false, err
	}
	return sess, found, nil
}

// CompareAndSwap applies update when the stored state equals expected
func (b *Bolt) CompareAndSwap(_ context.Context, userKey int64, expected exchange.State, update exchange.UpdateFunc) (exchange.Session, error) {
	var current, next exchange.Session

	err := b.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		key := userKeyBytes(userKey)

		if v := sessions.Get(key); v != nil {
			var err error
			if current, err = decodeSession(v); err != nil {
				return err
			}
		} else {
			current = exchange.NewSession(userKey, b.now())
		}

		if current.State != expected {
			return fmt.Errorf("%w: state is %s, expected %s", exchange.ErrConflict, current.State, expected)
		}

		next = current
		if err := update(&next); err != nil {
			return err
		}

		if next.ChargeID != "" && next.ChargeID != current.ChargeID {
			charges := tx.Bucket(chargesBucket)
			if charges.Get([]byte(next.ChargeID)) != nil {
				return fmt.Errorf("charge %s: %w", next.ChargeID, exchange.ErrDuplicateNotification)
			}
			data, err := json.Marshal(chargeRecord{UserKey: userKey, RecordedAt: b.now().UTC()})
			if err != nil {
				return err
			}
			if err := charges.Put([]byte(next.ChargeID), data); err != nil {
				return err
			}
		}

		data, err := encodeSession(next)
		if err != nil {
			return err
		}
		return sessions.Put(key, data)
	})
	if err != nil {
		return current, err
	}
	return next, nil
}

// ChargeRecorded reports whether chargeID was claimed by any session
func (b *Bolt) ChargeRecorded(_ context.Context, chargeID string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(chargesBucket).Get([]byte(chargeID)) != nil
		return nil
	})
	return found, err
}

// ListByState returns sessions in state last updated before the given time
func (b *Bolt) ListByState(_ context.Context, state exchange.State, updatedBefore time.Time) ([]exchange.Session, error) {
	var out []exchange.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			s, err := decodeSession(v)
			if err != nil {
				return err
			}
			if s.State == state && s.UpdatedAt.Before(updatedBefore) {
				out = append(out, s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
