package p2p

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var addressBucket = []byte("addresses")

// addressRecord is the stored form of one known peer address.
type addressRecord struct {
	Address  string `cbor:"1,keyasint"`
	LastSeen int64  `cbor:"2,keyasint"`
}

// AddressBook persists known peer addresses — the configured seed list plus
// addresses learned through peer exchange — across restarts.
type AddressBook struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenAddressBook opens (or creates) the address book database.
func OpenAddressBook(path string, logger *zap.Logger) (*AddressBook, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open address book: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(addressBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create address bucket: %w", err)
	}
	return &AddressBook{db: db, logger: logger}, nil
}

// Add records an address, stamping it as seen now.
func (a *AddressBook) Add(address string) error {
	record := addressRecord{Address: address, LastSeen: time.Now().Unix()}
	data, err := cbor.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode address record: %w", err)
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(addressBucket).Put([]byte(address), data)
	})
}

// All returns every known address.
func (a *AddressBook) All() ([]string, error) {
	var addresses []string
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(addressBucket).ForEach(func(_, v []byte) error {
			var record addressRecord
			if err := cbor.Unmarshal(v, &record); err != nil {
				// Skip undecodable records rather than fail the scan.
				a.logger.Warn("corrupt address record skipped", zap.Error(err))
				return nil
			}
			addresses = append(addresses, record.Address)
			return nil
		})
	})
	return addresses, err
}

// Count returns the number of known addresses.
func (a *AddressBook) Count() (int, error) {
	n := 0
	err := a.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(addressBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the database.
func (a *AddressBook) Close() error {
	return a.db.Close()
}
