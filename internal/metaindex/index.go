package metaindex

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("revalidation")

// RevalidationMemo is the cached per-key metadata internal/coordinator
// consults before falling back to internal/store's on-disk header sidecar.
type RevalidationMemo struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	SHA1         string    `json:"sha1,omitempty"`
	PoolPath     string    `json:"pool_path,omitempty"`
	Size         int64     `json:"size"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Index is a durable key->RevalidationMemo store backed by a single bbolt
// bucket, keyed on "<vhost>\x00<uri>".
type Index struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt database at path, creating the
// revalidation bucket if absent.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close releases the underlying bbolt database file.
func (idx *Index) Close() error {
	if idx == nil {
		return nil
	}
	return idx.db.Close()
}

// Get returns the memo for key, and false if none is recorded.
func (idx *Index) Get(vhost, uri string) (RevalidationMemo, bool, error) {
	var memo RevalidationMemo
	found := false
	err := idx.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(memoKey(vhost, uri))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &memo)
	})
	if err != nil {
		return RevalidationMemo{}, false, err
	}
	return memo, found, nil
}

// Put records or overwrites the memo for key.
func (idx *Index) Put(vhost, uri string, memo RevalidationMemo) error {
	raw, err := json.Marshal(memo)
	if err != nil {
		return err
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(memoKey(vhost, uri), raw)
	})
}

// Delete removes the memo for key, if any. Deleting an absent key is not
// an error, matching internal/store.UnlinkEntry's tolerance for a
// not-yet-cached entry.
func (idx *Index) Delete(vhost, uri string) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(memoKey(vhost, uri))
	})
}

func memoKey(vhost, uri string) []byte {
	return []byte(vhost + "\x00" + uri)
}
