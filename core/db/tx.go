package db

import (
	"github.com/sushant-115/sukunadb/core/btree"
	metamanager "github.com/sushant-115/sukunadb/core/meta_manager"
	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

// Tx scopes reads and writes against a meta snapshot taken at Begin.
// Transactions are not safe for concurrent use by multiple goroutines.
type Tx struct {
	db        *DB
	writable  bool
	managed   bool
	done      bool
	meta      metamanager.Meta
	tree      *btree.Tree
	pagerSnap pagemanager.Snapshot
}

// Writable reports whether the transaction can mutate the tree.
func (tx *Tx) Writable() bool { return tx.writable }

// TxID returns the transaction id of the snapshot this transaction
// started from.
func (tx *Tx) TxID() uint64 { return tx.meta.TxID }

// Get returns a copy of the value stored under key, or ok=false when
// the key is absent.
func (tx *Tx) Get(key uint64) ([]byte, bool, error) {
	if tx.done {
		return nil, false, ErrTransactionDone
	}
	return tx.tree.Get(key)
}

// Exists reports whether key is present.
func (tx *Tx) Exists(key uint64) (bool, error) {
	if tx.done {
		return false, ErrTransactionDone
	}
	return tx.tree.Exists(key)
}

// Insert stores value under key. The value must be exactly
// btree.ValueSize bytes. Inserting an existing key fails with
// ErrDuplicateKey.
func (tx *Tx) Insert(key uint64, value []byte) error {
	if tx.done {
		return ErrTransactionDone
	}
	if !tx.writable {
		return ErrTransactionReadOnly
	}
	return tx.tree.Insert(key, value)
}

// Delete removes key. Deleting an absent key fails with ErrKeyNotFound.
func (tx *Tx) Delete(key uint64) error {
	if tx.done {
		return ErrTransactionDone
	}
	if !tx.writable {
		return ErrTransactionReadOnly
	}
	return tx.tree.Delete(key)
}

// Cursor returns an iterator over the snapshot in key order.
func (tx *Tx) Cursor() *btree.Cursor {
	return tx.tree.Cursor()
}

// ForEach walks the snapshot in key order.
func (tx *Tx) ForEach(fn func(key uint64, value []byte) error) error {
	if tx.done {
		return ErrTransactionDone
	}
	return tx.tree.ForEach(fn)
}

// Commit makes the transaction's effects durable and visible to new
// readers. Only write transactions commit.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTransactionDone
	}
	if !tx.writable {
		return ErrTransactionReadOnly
	}
	if err := tx.db.commit(tx); err != nil {
		return err
	}
	tx.done = true
	return nil
}

// Rollback discards the transaction. Calling it on a managed
// transaction is fatal.
func (tx *Tx) Rollback() error {
	if tx.managed {
		panic("sukunadb: rollback of a managed transaction")
	}
	return tx.rollback()
}

func (tx *Tx) rollback() error {
	if tx.done {
		return ErrTransactionDone
	}
	tx.db.release(tx)
	tx.db.metrics.add(tx.db.metrics.rollbacks, 1)
	tx.done = true
	return nil
}
