// Package pebblestore is the default storage backend, on cockroachdb/pebble.
//
// Key layout (all segments separated by ":" or "|"):
//
//	i:<uuid>                   indicator record (json)
//	m:<match key>              uuid of the record an upsert merges into
//	x4:<start hex>:<uuid>      ipv4 network start, for prefix searches
//	xf:<reversed fqdn>|<uuid>  fqdn labels reversed, for subdomain searches
//	xv:<indicator>|<uuid>      every other indicator, exact lookups
//	t:<token>                  token record (json)
package pebblestore

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sugawarayuuta/sonnet"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/search"
)

const (
	recordPrefix = "i:"
	matchPrefix  = "m:"
	ip4Prefix    = "x4:"
	fqdnPrefix   = "xf:"
	valuePrefix  = "xv:"
	tokenPrefix  = "t:"
)

// Options tune the backend.
type Options struct {
	CacheSize int64
	// FS overrides the filesystem, vfs.NewMem() in tests.
	FS vfs.FS
	// NoSync skips fsync on commit.
	NoSync bool
}

// Store is a pebble backed engine.Engine.
type Store struct {
	db   *pebble.DB
	path string
	wo   *pebble.WriteOptions
}

var _ engine.Engine = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, o Options) (*Store, error) {
	opts := &pebble.Options{}
	if o.FS != nil {
		opts.FS = o.FS
	}
	if o.CacheSize > 0 {
		cache := pebble.NewCache(o.CacheSize)
		defer cache.Unref()
		opts.Cache = cache
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	wo := pebble.Sync
	if o.NoSync {
		wo = pebble.NoSync
	}
	logger.Debug("pebble_opened", "path", path)
	return &Store{db: db, path: path, wo: wo}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func (s *Store) Ping() error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened")
	}
	_, closer, err := s.db.Get([]byte(tokenPrefix))
	if err == nil {
		closer.Close()
		return nil
	}
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func getRecord(g pebble.Reader, uuid string) (*models.Indicator, error) {
	v, closer, err := g.Get([]byte(recordPrefix + uuid))
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	var ind models.Indicator
	if err := sonnet.Unmarshal(v, &ind); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", uuid, err)
	}
	return &ind, nil
}

func indexKeys(ind *models.Indicator) [][]byte {
	keys := [][]byte{[]byte(matchPrefix + ind.MatchKey())}
	switch ind.Itype {
	case models.ItypeIPv4:
		if start, _, ok := search.IPv4Bounds(ind.Indicator); ok {
			keys = append(keys, []byte(fmt.Sprintf("%s%08x:%s", ip4Prefix, start, ind.UUID)))
			return keys
		}
	case models.ItypeFQDN:
		keys = append(keys, []byte(fqdnPrefix+search.ReverseFQDN(ind.Indicator)+"|"+ind.UUID))
		return keys
	}
	keys = append(keys, []byte(valuePrefix+ind.Indicator+"|"+ind.UUID))
	return keys
}

// Tx wraps an indexed batch so lookups see pending writes.
type Tx struct {
	s     *Store
	batch *pebble.Batch
	done  bool
}

func (s *Store) Begin() (engine.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("pebble not opened")
	}
	return &Tx{s: s, batch: s.db.NewIndexedBatch()}, nil
}

func (t *Tx) Lookup(matchKey string) (*models.Indicator, error) {
	v, closer, err := t.batch.Get([]byte(matchPrefix + matchKey))
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	uuid := string(v)
	closer.Close()
	return getRecord(t.batch, uuid)
}

func (t *Tx) Put(ind *models.Indicator) error {
	if ind.UUID == "" {
		return fmt.Errorf("put: record without uuid")
	}
	if old, err := getRecord(t.batch, ind.UUID); err == nil {
		for _, k := range indexKeys(old) {
			if err := t.batch.Delete(k, nil); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	b, err := sonnet.Marshal(ind)
	if err != nil {
		return err
	}
	if err := t.batch.Set([]byte(recordPrefix+ind.UUID), b, nil); err != nil {
		return err
	}
	keys := indexKeys(ind)
	if err := t.batch.Set(keys[0], []byte(ind.UUID), nil); err != nil {
		return err
	}
	for _, k := range keys[1:] {
		if err := t.batch.Set(k, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("tx already finished")
	}
	t.done = true
	defer t.batch.Close()
	return t.batch.Commit(t.s.wo)
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.batch.Close()
}

// Scan narrows candidates with the secondary indexes when the query
// allows it and falls back to a full record scan otherwise.
func (s *Store) Scan(q *search.Query, fn func(*models.Indicator) bool) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened")
	}
	if q != nil {
		if start, end, ok := q.IPv4Range(); ok {
			lower := []byte(fmt.Sprintf("%s%08x", ip4Prefix, start))
			var upper []byte
			if end == ^uint32(0) {
				upper = prefixEnd([]byte(ip4Prefix))
			} else {
				upper = []byte(fmt.Sprintf("%s%08x", ip4Prefix, end+1))
			}
			return s.scanIndex(lower, upper, fn)
		}
		if rev, ok := q.ReversedFQDN(); ok {
			exact := []byte(fqdnPrefix + rev + "|")
			if err := s.scanIndex(exact, prefixEnd(exact), fn); err != nil {
				return err
			}
			subs := []byte(fqdnPrefix + rev + ".")
			return s.scanIndex(subs, prefixEnd(subs), fn)
		}
		if q.Indicator != "" && q.Itype != models.ItypeIPv6 {
			exact := []byte(valuePrefix + q.Indicator + "|")
			return s.scanIndex(exact, prefixEnd(exact), fn)
		}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(recordPrefix), UpperBound: prefixEnd([]byte(recordPrefix))})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var ind models.Indicator
		if err := sonnet.Unmarshal(iter.Value(), &ind); err != nil {
			logger.Warn("pebble_record_corrupt", "key", string(iter.Key()), "error", err)
			continue
		}
		if !fn(&ind) {
			break
		}
	}
	return iter.Error()
}

// scanIndex walks secondary index keys whose last segment is a uuid.
func (s *Store) scanIndex(lower, upper []byte, fn func(*models.Indicator) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		k := string(iter.Key())
		i := strings.LastIndexAny(k, ":|")
		if i < 0 {
			continue
		}
		ind, err := getRecord(s.db, k[i+1:])
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				continue
			}
			return err
		}
		if !fn(ind) {
			break
		}
	}
	return iter.Error()
}

func (s *Store) Delete(uuids []string) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("pebble not opened")
	}
	batch := s.db.NewIndexedBatch()
	defer batch.Close()
	n := 0
	for _, id := range uuids {
		old, err := getRecord(batch, id)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				continue
			}
			return 0, err
		}
		for _, k := range indexKeys(old) {
			if err := batch.Delete(k, nil); err != nil {
				return 0, err
			}
		}
		if err := batch.Delete([]byte(recordPrefix+id), nil); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(s.wo); err != nil {
		logger.Error("pebble_delete_failed", "count", n, "error", err)
		return 0, err
	}
	return n, nil
}

func (s *Store) GetToken(token string) (*models.Token, error) {
	if s.db == nil {
		return nil, fmt.Errorf("pebble not opened")
	}
	v, closer, err := s.db.Get([]byte(tokenPrefix + token))
	if err != nil {
		if isNotFound(err) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	var t models.Token
	if err := sonnet.Unmarshal(v, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) PutToken(t *models.Token) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened")
	}
	b, err := sonnet.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(tokenPrefix+t.Token), b, s.wo)
}

func (s *Store) DeleteToken(token string) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened")
	}
	return s.db.Delete([]byte(tokenPrefix+token), s.wo)
}

func (s *Store) ScanTokens(fn func(*models.Token) bool) error {
	if s.db == nil {
		return fmt.Errorf("pebble not opened")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(tokenPrefix), UpperBound: prefixEnd([]byte(tokenPrefix))})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var t models.Token
		if err := sonnet.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		if !fn(&t) {
			break
		}
	}
	return iter.Error()
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
