// Package sqlitestore is the alternate storage backend, on mattn/go-sqlite3.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
	"github.com/csirtgadgets/verbose-robot/pkg/store/search"
)

const schema = `
CREATE TABLE IF NOT EXISTS indicators (
	uuid      TEXT PRIMARY KEY,
	match_key TEXT NOT NULL,
	indicator TEXT NOT NULL,
	itype     TEXT,
	ip_start  INTEGER,
	fqdn_rev  TEXT,
	doc       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS indicators_match_key ON indicators (match_key);
CREATE INDEX IF NOT EXISTS indicators_indicator ON indicators (indicator);
CREATE INDEX IF NOT EXISTS indicators_ip_start ON indicators (ip_start);
CREATE INDEX IF NOT EXISTS indicators_fqdn_rev ON indicators (fqdn_rev);
CREATE TABLE IF NOT EXISTS tokens (
	token TEXT PRIMARY KEY,
	doc   TEXT NOT NULL
);
`

// Store is a sqlite backed engine.Engine.
type Store struct {
	db *sql.DB
}

var _ engine.Engine = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		logger.Error("sqlite_schema_failed", "path", path, "error", err)
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	logger.Debug("sqlite_opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) Close() error { return s.db.Close() }

func decode(doc string) (*models.Indicator, error) {
	var ind models.Indicator
	if err := sonnet.Unmarshal([]byte(doc), &ind); err != nil {
		return nil, err
	}
	return &ind, nil
}

// Tx wraps a sql transaction.
type Tx struct {
	tx *sql.Tx
}

func (s *Store) Begin() (engine.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Lookup(matchKey string) (*models.Indicator, error) {
	var doc string
	err := t.tx.QueryRow(`SELECT doc FROM indicators WHERE match_key = ? LIMIT 1`, matchKey).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	return decode(doc)
}

func (t *Tx) Put(ind *models.Indicator) error {
	if ind.UUID == "" {
		return fmt.Errorf("put: record without uuid")
	}
	doc, err := sonnet.Marshal(ind)
	if err != nil {
		return err
	}
	var ipStart any
	if ind.Itype == models.ItypeIPv4 {
		if start, _, ok := search.IPv4Bounds(ind.Indicator); ok {
			ipStart = int64(start)
		}
	}
	var fqdnRev any
	if ind.Itype == models.ItypeFQDN {
		fqdnRev = search.ReverseFQDN(ind.Indicator)
	}
	_, err = t.tx.Exec(`INSERT OR REPLACE INTO indicators (uuid, match_key, indicator, itype, ip_start, fqdn_rev, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ind.UUID, ind.MatchKey(), ind.Indicator, ind.Itype, ipStart, fqdnRev, string(doc))
	return err
}

func (t *Tx) Commit() error { return t.tx.Commit() }

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (s *Store) Scan(q *search.Query, fn func(*models.Indicator) bool) error {
	query := `SELECT doc FROM indicators`
	var args []any
	if q != nil {
		if start, end, ok := q.IPv4Range(); ok {
			query += ` WHERE ip_start BETWEEN ? AND ?`
			args = append(args, int64(start), int64(end))
		} else if rev, ok := q.ReversedFQDN(); ok {
			query += ` WHERE fqdn_rev = ? OR substr(fqdn_rev, 1, ?) = ?`
			args = append(args, rev, len(rev)+1, rev+".")
		} else if q.Indicator != "" && q.Itype != models.ItypeIPv6 {
			query += ` WHERE indicator = ?`
			args = append(args, q.Indicator)
		}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		ind, err := decode(doc)
		if err != nil {
			logger.Warn("sqlite_record_corrupt", "error", err)
			continue
		}
		if !fn(ind) {
			break
		}
	}
	return rows.Err()
}

func (s *Store) Delete(uuids []string) (int, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n := 0
	for _, id := range uuids {
		res, err := tx.Exec(`DELETE FROM indicators WHERE uuid = ?`, id)
		if err != nil {
			return 0, err
		}
		c, _ := res.RowsAffected()
		n += int(c)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) GetToken(token string) (*models.Token, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM tokens WHERE token = ?`, token).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	var t models.Token
	if err := sonnet.Unmarshal([]byte(doc), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) PutToken(t *models.Token) error {
	doc, err := sonnet.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO tokens (token, doc) VALUES (?, ?)`, t.Token, string(doc))
	return err
}

func (s *Store) DeleteToken(token string) error {
	_, err := s.db.Exec(`DELETE FROM tokens WHERE token = ?`, token)
	return err
}

func (s *Store) ScanTokens(fn func(*models.Token) bool) error {
	rows, err := s.db.Query(`SELECT doc FROM tokens ORDER BY token`)
	if err != nil {
		return err
	}
	defer rows.Close()
	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	// callbacks may write, so the cursor is released first
	for _, doc := range docs {
		var t models.Token
		if err := sonnet.Unmarshal([]byte(strings.TrimSpace(doc)), &t); err != nil {
			continue
		}
		if !fn(&t) {
			break
		}
	}
	return nil
}
