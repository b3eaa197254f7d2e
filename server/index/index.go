// Package index is the leveled key-value store spec.md §2 treats as an
// external collaborator: it persists the share index, keyed by
// '1' + shareFP, mapping each share to its container location and the set
// of users referencing it. Grounded on the teacher's BoltCAS
// (daemon/manager/cas_bolt.go), which wraps the same library
// (github.com/boltdb/bolt) for an analogous content-addressed lookup.
package index

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quantarax/dispersa/internal/errs"
	"github.com/quantarax/dispersa/internal/model"
)

var bucketShares = []byte("shares")

// keyPrefix is the '1' tag spec.md §4.4 prepends to every shareFP before
// the KV lookup, so a future second engine (the "data-only" engine the
// on-disk layout in spec.md §6 reserves meta/minDedupDB for) can share the
// key space without colliding.
const keyPrefix = '1'

// Index wraps a BoltDB database holding the full-engine share index.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if absent) the BoltDB-backed share index at path.
func Open(path string) (*Index, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrKV, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketShares)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init bucket: %v", errs.ErrKV, err)
	}
	return &Index{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", errs.ErrKV, dir, err)
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	if err := idx.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", errs.ErrKV, err)
	}
	return nil
}

// Ping performs a cheap read-only transaction, used by the health checker.
func (idx *Index) Ping() error {
	return idx.db.View(func(tx *bolt.Tx) error { return nil })
}

func shareKey(shareFP [32]byte) []byte {
	key := make([]byte, 0, 33)
	key = append(key, keyPrefix)
	key = append(key, shareFP[:]...)
	return key
}

func encodeValue(v model.ShareIndexValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", errs.ErrKV, err)
	}
	return buf.Bytes(), nil
}

func decodeValue(data []byte) (model.ShareIndexValue, error) {
	var v model.ShareIndexValue
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return model.ShareIndexValue{}, fmt.Errorf("%w: decode: %v", errs.ErrKV, err)
	}
	return v, nil
}

// Get looks up a share by fingerprint.
func (idx *Index) Get(shareFP [32]byte) (model.ShareIndexValue, bool, error) {
	var v model.ShareIndexValue
	found := false
	err := idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		data := b.Get(shareKey(shareFP))
		if data == nil {
			return nil
		}
		found = true
		var err error
		v, err = decodeValue(data)
		return err
	})
	if err != nil {
		return model.ShareIndexValue{}, false, err
	}
	return v, found, nil
}

// Put writes a share-index entry, replacing any entry already stored under
// shareFP. The engine's second stage creates entries through PutOrExtend
// instead.
func (idx *Index) Put(shareFP [32]byte, v model.ShareIndexValue) error {
	data, err := encodeValue(v)
	if err != nil {
		return err
	}
	err = idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShares).Put(shareKey(shareFP), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put: %v", errs.ErrKV, err)
	}
	return nil
}

// HasUser reports whether shareFP exists and, if so, whether userID already
// holds a reference to it, without mutating state. Both dedup stages call it
// before deciding whether to increment a reference count.
func (idx *Index) HasUser(shareFP [32]byte, userID int64) (exists bool, hasUser bool, err error) {
	v, found, err := idx.Get(shareFP)
	if err != nil || !found {
		return found, false, err
	}
	_, has := v.HasUser(userID)
	return true, has, nil
}

// IncrementRefCount atomically increments userID's refCnt on an existing
// share-index entry, within a single bolt transaction (DBLock's exclusive
// read-modify-write).
func (idx *Index) IncrementRefCount(shareFP [32]byte, userID int64) error {
	err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		key := shareKey(shareFP)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%w: refcount increment on missing share", errs.ErrKV)
		}
		v, err := decodeValue(data)
		if err != nil {
			return err
		}
		i, has := v.HasUser(userID)
		if has {
			v.Users[i].RefCnt++
		} else {
			v.Users = append(v.Users, model.UserRef{UserID: userID, RefCnt: 1})
		}
		encoded, err := encodeValue(v)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
	if err != nil {
		return fmt.Errorf("%w: increment refcount: %v", errs.ErrKV, err)
	}
	return nil
}

// PutOrExtend is secondStageDedup's race-handling path: if the share now
// exists (another user's concurrent upload created it first), extend its
// user-ref vector; otherwise create a brand-new entry. Returns whether the
// share already existed.
func (idx *Index) PutOrExtend(shareFP [32]byte, userID int64, fresh model.ShareIndexValue) (existed bool, err error) {
	err = idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShares)
		key := shareKey(shareFP)
		data := b.Get(key)
		if data == nil {
			existed = false
			encoded, err := encodeValue(fresh)
			if err != nil {
				return err
			}
			return b.Put(key, encoded)
		}
		existed = true
		v, err := decodeValue(data)
		if err != nil {
			return err
		}
		i, has := v.HasUser(userID)
		if has {
			v.Users[i].RefCnt++
		} else {
			v.Users = append(v.Users, model.UserRef{UserID: userID, RefCnt: 1})
		}
		encoded, err := encodeValue(v)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
	if err != nil {
		return false, fmt.Errorf("%w: put or extend: %v", errs.ErrKV, err)
	}
	return existed, nil
}
