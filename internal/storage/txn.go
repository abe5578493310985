package storage

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

const maxConflictRetries = 16

// Update runs fn in a read-write transaction, retrying when badger reports a
// conflict with a concurrently committed transaction.
func Update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}
