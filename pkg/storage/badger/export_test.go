package badger

import "github.com/dgraph-io/badger/v4"

// rewriteActive replaces the stored bytes of the active snapshot.
func (b *BadgerStorage) rewriteActive(courseID string, mutate func([]byte) []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(courseID))
		if err != nil {
			return err
		}
		hk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(hk)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(hk, mutate(data))
	})
}
