package service

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Oracle is the reference ordered store workloads check a structure
// against. It is an in-memory pebble instance; nothing touches disk.
type Oracle struct {
	db *pebble.DB
}

func NewOracle() (*Oracle, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "open oracle")
	}
	return &Oracle{db: db}, nil
}

func encode(x uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	return b[:]
}

func (o *Oracle) Set(k, v uint64) error {
	return o.db.Set(encode(k), encode(v), pebble.NoSync)
}

func (o *Oracle) Delete(k uint64) error {
	return o.db.Delete(encode(k), pebble.NoSync)
}

func (o *Oracle) Get(k uint64) (uint64, bool, error) {
	val, closer, err := o.db.Get(encode(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val), true, nil
}

// Range calls fn in ascending key order for keys in [lo, hi] until fn
// returns false.
func (o *Oracle) Range(lo, hi uint64, fn func(k, v uint64) bool) error {
	opts := &pebble.IterOptions{LowerBound: encode(lo)}
	if hi < ^uint64(0) {
		opts.UpperBound = encode(hi + 1)
	}
	iter, err := o.db.NewIter(opts)
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(binary.BigEndian.Uint64(iter.Key()), binary.BigEndian.Uint64(iter.Value())) {
			break
		}
	}
	return errors.CombineErrors(iter.Error(), iter.Close())
}

// Each visits every entry in ascending key order.
func (o *Oracle) Each(fn func(k, v uint64) bool) error {
	return o.Range(0, ^uint64(0), fn)
}

func (o *Oracle) Len() (int, error) {
	n := 0
	err := o.Each(func(_, _ uint64) bool {
		n++
		return true
	})
	return n, err
}

// Match compares the ascending sequence produced by scan against the
// oracle's contents and describes the first difference.
func (o *Oracle) Match(scan func(fn func(k, v uint64) bool)) error {
	type kv struct{ k, v uint64 }
	var want []kv
	if err := o.Each(func(k, v uint64) bool {
		want = append(want, kv{k, v})
		return true
	}); err != nil {
		return err
	}
	i := 0
	var mismatch error
	scan(func(k, v uint64) bool {
		switch {
		case i >= len(want):
			mismatch = errors.Newf("unexpected extra key %d=%d", k, v)
		case want[i].k != k:
			mismatch = errors.Newf("entry %d: key %d, oracle has %d", i, k, want[i].k)
		case want[i].v != v:
			mismatch = errors.Newf("key %d: value %d, oracle has %d", k, v, want[i].v)
		}
		i++
		return mismatch == nil
	})
	if mismatch != nil {
		return mismatch
	}
	if i != len(want) {
		return errors.Newf("structure holds %d entries, oracle %d", i, len(want))
	}
	return nil
}

func (o *Oracle) Close() error {
	return o.db.Close()
}
