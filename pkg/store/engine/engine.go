// Package engine defines the storage backend contract used by the store
// process. Backends live in subpackages and keep their own index layout;
// the store package owns every domain rule (checks, upsert, auth).
package engine

import (
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/search"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errs.ErrNotFound

// Tx is a write transaction. Reads through a Tx observe its own writes.
type Tx interface {
	// Lookup returns the record stored under an upsert match key.
	Lookup(matchKey string) (*models.Indicator, error)
	// Put inserts or replaces the record with ind.UUID.
	Put(ind *models.Indicator) error
	Commit() error
	Rollback() error
}

// Engine is a storage backend for indicators and tokens.
type Engine interface {
	Begin() (Tx, error)

	// Scan calls fn for every candidate record for q, stopping when fn
	// returns false. Candidates are a superset of the matches.
	Scan(q *search.Query, fn func(*models.Indicator) bool) error
	// Delete removes records by uuid and returns how many existed.
	Delete(uuids []string) (int, error)

	GetToken(token string) (*models.Token, error)
	PutToken(t *models.Token) error
	DeleteToken(token string) error
	ScanTokens(fn func(*models.Token) bool) error

	Ping() error
	Close() error
}
