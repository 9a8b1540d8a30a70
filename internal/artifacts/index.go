package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var artifactsBucket = []byte("artifacts")

var ErrNotFound = errors.New("artifact not found")

const (
	StatusReady            = "ready"
	StatusConversionFailed = "conversion_failed"
)

// Record describes one finished upload. FileName is the name the client
// uploaded under; ServedName is what is actually on disk after any
// conversion.
type Record struct {
	FileName    string    `json:"fileName"`
	ServedName  string    `json:"servedName"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Chunks      int       `json:"chunks"`
	Transcoded  bool      `json:"transcoded"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Index persists artifact records in a bbolt file so finalize lookups
// survive restarts.
type Index struct {
	db *bolt.DB
}

func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open artifact index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(artifactsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init artifact index: %w", err)
	}

	return &Index{db: db}, nil
}

func (x *Index) Put(rec Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Put([]byte(rec.FileName), encoded)
	})
}

func (x *Index) Get(fileName string) (*Record, error) {
	var rec Record
	err := x.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(artifactsBucket).Get([]byte(fileName))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (x *Index) Delete(fileName string) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(artifactsBucket).Delete([]byte(fileName))
	})
}

func (x *Index) Count() (int, error) {
	var n int
	err := x.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(artifactsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (x *Index) Close() error {
	return x.db.Close()
}
