package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when the catalog has no matching checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

const catalogPrefix = "ckpt/"

// Catalog indexes checkpoint descriptors by trial and step. The storage
// layer is a leveldb database; keys sort by step within a trial.
type Catalog struct {
	sync.Mutex
	db *leveldb.DB
	s  storage.Storage
}

func openCatalog(s storage.Storage) (*Catalog, error) {
	db, err := leveldb.Open(s, nil)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &Catalog{db: db, s: s}, nil
}

// NewCatalog opens or creates the on-disk catalog at path.
func NewCatalog(path string) (*Catalog, error) {
	s, err := storage.OpenFile(path, false)
	if err != nil {
		return nil, err
	}
	return openCatalog(s)
}

// NewMemoryCatalog returns a catalog that lives in memory.
func NewMemoryCatalog() (*Catalog, error) {
	return openCatalog(storage.NewMemStorage())
}

// Close closes the database and releases its storage, including the file
// lock of an on-disk catalog.
func (c *Catalog) Close() error {
	err := c.db.Close()
	if serr := c.s.Close(); err == nil {
		err = serr
	}
	return err
}

func trialPrefix(trialID string) []byte {
	// PathEscape escapes "/", so one trial prefix never covers another.
	return []byte(catalogPrefix + url.PathEscape(trialID) + "/")
}

func catalogKey(trialID string, step int64) []byte {
	// zero padded so that lexical order is step order.
	return append(trialPrefix(trialID), fmt.Sprintf("%020d", step)...)
}

// Put records desc, replacing any descriptor for the same trial and step.
func (c *Catalog) Put(desc *Descriptor) error {
	val, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return c.db.Put(catalogKey(desc.TrialID, desc.Step), val, &opt.WriteOptions{
		Sync: true,
	})
}

// Get returns the descriptor of the given checkpoint.
func (c *Catalog) Get(trialID string, step int64) (*Descriptor, error) {
	val, err := c.db.Get(catalogKey(trialID, step), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	desc := new(Descriptor)
	if err := json.Unmarshal(val, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// Latest returns the descriptor with the highest step of the trial.
func (c *Catalog) Latest(trialID string) (*Descriptor, error) {
	iter := c.db.NewIterator(util.BytesPrefix(trialPrefix(trialID)), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	desc := new(Descriptor)
	if err := json.Unmarshal(iter.Value(), desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// List returns the descriptors of the trial in ascending step order.
func (c *Catalog) List(trialID string) ([]*Descriptor, error) {
	iter := c.db.NewIterator(util.BytesPrefix(trialPrefix(trialID)), nil)
	defer iter.Release()

	var out []*Descriptor
	for iter.Next() {
		desc := new(Descriptor)
		if err := json.Unmarshal(iter.Value(), desc); err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, iter.Error()
}

// Delete removes the descriptor of the given checkpoint. Deleting an absent
// entry succeeds.
func (c *Catalog) Delete(trialID string, step int64) error {
	return c.db.Delete(catalogKey(trialID, step), &opt.WriteOptions{
		Sync: true,
	})
}

// Prune keeps the newest keep descriptors of the trial and removes the rest
// from the catalog, returning the removed ones.
func (c *Catalog) Prune(trialID string, keep int) ([]*Descriptor, error) {
	c.Lock()
	defer c.Unlock()

	all, err := c.List(trialID)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return nil, nil
	}

	removed := all[:len(all)-keep]
	batch := new(leveldb.Batch)
	for _, d := range removed {
		batch.Delete(catalogKey(d.TrialID, d.Step))
	}
	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, err
	}
	return removed, nil
}
