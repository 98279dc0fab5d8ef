package registry

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const bucket = "registry"

// store persists devices as JSON values keyed by device name.
type store struct {
	db *bolt.DB
}

func newStore(db *bolt.DB) (*store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %v", bucket, err)
	}
	return &store{db: db}, nil
}

// SaveDevice writes one device's definition snapshot.
func (s *store) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Name), value)
	})
}

// DeleteDevice removes a device's snapshot.
func (s *store) DeleteDevice(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return b.Delete([]byte(name))
	})
}

// Load reads every stored device. Entries that fail to decode are skipped;
// a stale snapshot must not block startup.
func (s *store) Load() (map[string]*Device, error) {
	devices := make(map[string]*Device)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return nil
			}
			if dev.Properties == nil {
				dev.Properties = make(map[string]*Property)
			}
			devices[dev.Name] = &dev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return devices, nil
}
