// Package ledger holds the time-locked transaction ledger: a bbolt-backed
// state machine keyed by a strictly increasing transaction id. A record
// only ever moves forward along
//
//	PENDING -> CANCELLED
//	PENDING -> APPROVED -> EXECUTING -> {COMPLETED | FAILED}
//
// and never mutates after reaching a terminal state. Approval and the
// transition to EXECUTING are a single step; there is no externally
// observable approved-but-idle state.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
)

/*
Bolt DB schema:

transactions/
|--> txId (8B big-endian) -> *TransactionRecord (json marshalled)

meta/
|--> "txCounter" -> last assigned txId (8B big-endian)

nonces/
|--> signer address (20B) -> last consumed nonce (8B big-endian)

messages/
|--> transport message id -> txId (8B big-endian), written when the
     record enters EXECUTING

confirmations/
|--> transport message id -> txId (8B big-endian), written when the
     confirmation is first processed; duplicates become no-ops
*/
var (
	transactionsBucket  = []byte("transactions")
	metaBucket          = []byte("meta")
	noncesBucket        = []byte("nonces")
	messagesBucket      = []byte("messages")
	confirmationsBucket = []byte("confirmations")

	txCounterKey = []byte("txCounter")
)

// Ledger owns the transaction records and the per-signer nonce line. All
// mutators run inside a single bolt update so no partial write is ever
// visible to readers.
type Ledger struct {
	db     *bolt.DB
	logger *zap.Logger

	// now is the ledger's clock; swapped out in tests.
	now func() time.Time
}

// Open creates the ledger buckets if needed and returns the ledger.
func Open(logger *zap.Logger, db *bolt.DB) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		logger: logger.With(zap.String("component", "Ledger")),
		now:    time.Now,
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{transactionsBucket, metaBucket, noncesBucket, messagesBucket, confirmationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket=%s: %w", string(bucket), err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return l, nil
}

func u64be(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

func putRecord(tx *bolt.Tx, rec *internal.TransactionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(transactionsBucket).Put(u64be(rec.TxID), raw)
}

func getRecord(tx *bolt.Tx, txID uint64) (*internal.TransactionRecord, error) {
	v := tx.Bucket(transactionsBucket).Get(u64be(txID))
	if v == nil {
		return nil, fmt.Errorf("tx %d: %w", txID, internal.ErrNotFound)
	}
	var rec internal.TransactionRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create appends a new PENDING record, assigning the next transaction id
// and stamping releaseTime = now + timeLock exactly.
func (l *Ledger) Create(requester common.Address, targetChainID uint64, opType internal.OperationType,
	payload []byte, req internal.Requirements, timeLock time.Duration) (*internal.TransactionRecord, error) {
	if len(payload) == 0 {
		return nil, internal.ErrEmptyPayload
	}

	var rec *internal.TransactionRecord
	err := l.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)

		var next uint64 = 1
		if v := meta.Get(txCounterKey); v != nil {
			next = binary.BigEndian.Uint64(v) + 1
		}
		if err := meta.Put(txCounterKey, u64be(next)); err != nil {
			return err
		}

		now := l.now()
		rec = &internal.TransactionRecord{
			TxID:          next,
			Status:        internal.StatusPending,
			Requester:     requester,
			TargetChainID: targetChainID,
			OpType:        opType,
			Payload:       payload,
			Requirements:  req,
			CreatedAt:     now,
			ReleaseTime:   now.Add(timeLock),
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	l.logger.Info("Transaction created",
		zap.Uint64("txId", rec.TxID),
		zap.Uint64("targetChainId", targetChainID),
		zap.String("opType", string(opType)),
		zap.Time("releaseTime", rec.ReleaseTime))

	return rec, nil
}

// Cancel moves a PENDING record to CANCELLED. Only the requester may
// cancel, and only before approval.
func (l *Ledger) Cancel(txID uint64, caller common.Address) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, txID)
		if err != nil {
			return err
		}
		if rec.Status != internal.StatusPending {
			return fmt.Errorf("tx %d is %s: %w", txID, rec.Status, internal.ErrInvalidStatus)
		}
		if rec.Requester != caller {
			return fmt.Errorf("tx %d requester mismatch: %w", txID, internal.ErrNotOwner)
		}

		rec.Status = internal.StatusCancelled
		return putRecord(tx, rec)
	})
	if err != nil {
		return err
	}

	l.logger.Info("Transaction cancelled", zap.Uint64("txId", txID))
	return nil
}

// LastNonce returns the last consumed meta-transaction nonce for a signer,
// zero if the signer has never consumed one.
func (l *Ledger) LastNonce(signer common.Address) (uint64, error) {
	var nonce uint64
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(noncesBucket).Get(signer.Bytes()); v != nil {
			nonce = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return nonce, err
}

// MarkExecuting atomically performs the approve-and-execute ledger write:
// it re-checks the record is still PENDING and the signer nonce is still
// fresh, consumes the nonce, and moves the record straight to EXECUTING
// with the transport's message id attached. Any failure leaves every key
// untouched.
func (l *Ledger) MarkExecuting(txID uint64, signer common.Address, nonce uint64, messageID string) (*internal.TransactionRecord, error) {
	var rec *internal.TransactionRecord
	err := l.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, txID)
		if err != nil {
			return err
		}
		if rec.Status != internal.StatusPending {
			return fmt.Errorf("tx %d is %s: %w", txID, rec.Status, internal.ErrInvalidStatus)
		}

		nonces := tx.Bucket(noncesBucket)
		var last uint64
		if v := nonces.Get(signer.Bytes()); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		if nonce <= last {
			return fmt.Errorf("signer %s nonce %d (last consumed %d): %w",
				signer.Hex(), nonce, last, internal.ErrNonceReused)
		}
		if err := nonces.Put(signer.Bytes(), u64be(nonce)); err != nil {
			return err
		}

		rec.Status = internal.StatusExecuting
		rec.MessageID = messageID
		if err := tx.Bucket(messagesBucket).Put([]byte(messageID), u64be(txID)); err != nil {
			return err
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Transaction executing",
		zap.Uint64("txId", txID),
		zap.String("messageId", messageID),
		zap.Uint64("nonce", nonce))

	return rec, nil
}

// Resolve drives an EXECUTING record to its terminal state from a
// transport confirmation. Duplicate delivery of the same message id is a
// no-op, never a double completion; the first outcome stands.
func (l *Ledger) Resolve(messageID string, ok bool, reason string) (*internal.TransactionRecord, error) {
	var rec *internal.TransactionRecord
	var duplicate bool

	err := l.db.Update(func(tx *bolt.Tx) error {
		confirmations := tx.Bucket(confirmationsBucket)
		if confirmations.Get([]byte(messageID)) != nil {
			duplicate = true
			return nil
		}

		idx := tx.Bucket(messagesBucket).Get([]byte(messageID))
		if idx == nil {
			return fmt.Errorf("message %s: %w", messageID, internal.ErrNotFound)
		}
		txID := binary.BigEndian.Uint64(idx)

		var err error
		rec, err = getRecord(tx, txID)
		if err != nil {
			return err
		}
		if rec.Status != internal.StatusExecuting {
			return fmt.Errorf("tx %d is %s: %w", txID, rec.Status, internal.ErrInvalidStatus)
		}

		if ok {
			rec.Status = internal.StatusCompleted
			rec.Result = reason
		} else {
			rec.Status = internal.StatusFailed
			rec.Result = reason
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return confirmations.Put([]byte(messageID), u64be(txID))
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		l.logger.Debug("Duplicate confirmation ignored", zap.String("messageId", messageID))
		return nil, nil
	}

	l.logger.Info("Transaction resolved",
		zap.Uint64("txId", rec.TxID),
		zap.String("status", string(rec.Status)),
		zap.String("result", rec.Result))

	return rec, nil
}

// Get returns a single record by id.
func (l *Ledger) Get(txID uint64) (*internal.TransactionRecord, error) {
	var rec *internal.TransactionRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, txID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListPending returns all non-terminal records in id order.
func (l *Ledger) ListPending() ([]*internal.TransactionRecord, error) {
	records := []*internal.TransactionRecord{}
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			var rec internal.TransactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Status.Terminal() {
				records = append(records, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListHistory returns records in [fromID, toID], capping the range at the
// current counter.
func (l *Ledger) ListHistory(fromID, toID uint64) ([]*internal.TransactionRecord, error) {
	if fromID == 0 {
		fromID = 1
	}

	records := []*internal.TransactionRecord{}
	err := l.db.View(func(tx *bolt.Tx) error {
		var last uint64
		if v := tx.Bucket(metaBucket).Get(txCounterKey); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		if toID > last {
			toID = last
		}

		bucket := tx.Bucket(transactionsBucket)
		for id := fromID; id <= toID; id++ {
			v := bucket.Get(u64be(id))
			if v == nil {
				continue
			}
			var rec internal.TransactionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Now exposes the ledger clock so callers validating timers observe the
// same instant source.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// SetClock overrides the ledger clock. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}
