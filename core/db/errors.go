package db

import (
	"errors"

	"github.com/sushant-115/sukunadb/core/btree"
	metamanager "github.com/sushant-115/sukunadb/core/meta_manager"
	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

// --- Error Definitions ---

var (
	ErrDatabaseNotOpen     = errors.New("database not open")
	ErrDatabaseReadOnly    = errors.New("database opened read-only")
	ErrDatabaseLocked      = errors.New("database file locked by another process")
	ErrOpenTransactions    = errors.New("cannot close database with live transactions")
	ErrTransactionDone     = errors.New("transaction already committed or rolled back")
	ErrTransactionReadOnly = errors.New("read transactions cannot commit or mutate")

	// Re-exported component errors so callers need a single import for
	// errors.Is checks.
	ErrKeyNotFound  = btree.ErrKeyNotFound
	ErrDuplicateKey = btree.ErrDuplicateKey
	ErrValueSize    = btree.ErrValueSize
	ErrPageNotFound = pagemanager.ErrPageNotFound
	ErrInvalidMeta  = metamanager.ErrInvalidMeta
)
