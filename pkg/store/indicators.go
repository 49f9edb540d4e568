package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/search"
)

const (
	searchConfidence = 4
	statsTop         = 25
)

// groupsFor returns the groups a token may read, nil meaning all.
func groupsFor(tok *models.Token) []string {
	if tok.Admin {
		return nil
	}
	if len(tok.Groups) == 0 {
		return []string{"everyone"}
	}
	return tok.Groups
}

// Search returns the records matching filters that tok may read.
func (s *Store) Search(tok *models.Token, filters map[string]any) ([]models.Indicator, error) {
	q, err := search.Parse(filters, groupsFor(tok), s.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}
	return s.query(q)
}

func (s *Store) query(q *search.Query) ([]models.Indicator, error) {
	out := []models.Indicator{}
	err := s.eng.Scan(q, func(ind *models.Indicator) bool {
		if q.Match(ind) {
			out = append(out, *ind)
		}
		return true
	})
	if err != nil {
		return nil, errs.InvalidSearch("search failed: %v", err)
	}
	return search.Sort(out, q.Limit), nil
}

// LogSearch records a lookup as a search indicator. Wildcard queries and
// values that do not resolve to an itype are not recorded.
func (s *Store) LogSearch(tok *models.Token, filters map[string]any) {
	v, _ := filters["indicator"].(string)
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsAny(v, "*%") {
		return
	}
	if nolog, ok := filters["nolog"]; ok && models.ParseFlag(fmt.Sprint(nolog)) {
		return
	}
	itype, ok := models.ResolveItype(v)
	if !ok {
		return
	}
	now := s.now()
	ind := models.Indicator{
		Indicator:  v,
		Itype:      itype,
		TLP:        "amber",
		Confidence: searchConfidence,
		Tags:       models.Tags{"search"},
		Provider:   tok.Username,
		Group:      tok.DefaultGroup(),
		ReportedAt: now,
		LastAt:     now,
		FirstAt:    now,
	}
	cleanup(&ind)
	if _, err := s.Upsert([]models.Indicator{ind}); err != nil {
		logger.Warn("search_log_failed", "indicator", v, "error", err)
	}
}

// Delete removes records by id/uuid, or by filters when no ids are given.
func (s *Store) Delete(tok *models.Token, reqs []map[string]any) (int, error) {
	var ids []string
	var filters map[string]any
	for _, r := range reqs {
		for _, k := range []string{"uuid", "id"} {
			if v, ok := r[k]; ok && v != nil {
				ids = append(ids, fmt.Sprint(v))
			}
		}
		if filters == nil && r["uuid"] == nil && r["id"] == nil {
			filters = r
		}
	}
	if len(ids) == 0 {
		if len(filters) == 0 {
			return 0, errs.InvalidSearch("delete requires ids or filters")
		}
		q, err := search.Parse(filters, groupsFor(tok), s.cfg.SearchLimit)
		if err != nil {
			return 0, err
		}
		if _, ok := filters["limit"]; !ok {
			q.Limit = 0
		}
		q.All = true
		found, err := s.query(q)
		if err != nil {
			return 0, err
		}
		for _, ind := range found {
			ids = append(ids, ind.UUID)
		}
	}
	s.mu.Lock()
	n, err := s.eng.Delete(ids)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	logger.AuditEvent("indicators_deleted", "by", tok.Username, "count", n)
	logger.Info("indicators_deleted", "by", tok.Username, "count", n)
	return n, nil
}

// StatRow is one bucket of a stats query.
type StatRow struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Stats groups readable records by the field named in filters["q"]
// (provider by default) and returns the largest buckets.
func (s *Store) Stats(tok *models.Token, filters map[string]any) ([]StatRow, error) {
	field := "provider"
	rest := map[string]any{}
	for k, v := range filters {
		if k == "q" {
			if f := strings.TrimSpace(fmt.Sprint(v)); f != "" {
				field = f
			}
			continue
		}
		rest[k] = v
	}
	q, err := search.Parse(rest, groupsFor(tok), 0)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	err = s.eng.Scan(q, func(ind *models.Indicator) bool {
		if !q.Match(ind) {
			return true
		}
		for _, v := range fieldValues(ind, field) {
			counts[v]++
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	rows := make([]StatRow, 0, len(counts))
	for v, c := range counts {
		rows = append(rows, StatRow{Value: v, Count: c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Value < rows[j].Value
	})
	if len(rows) > statsTop {
		rows = rows[:statsTop]
	}
	return rows, nil
}

func fieldValues(ind *models.Indicator, field string) []string {
	switch field {
	case "provider":
		return []string{ind.Provider}
	case "itype":
		return []string{ind.Itype}
	case "cc":
		return []string{ind.CC}
	case "asn":
		return []string{strconv.FormatInt(ind.ASN, 10)}
	case "asn_desc":
		return []string{ind.ASNDesc}
	case "tags":
		return ind.Tags
	case "group":
		return []string{ind.Group}
	case "indicator":
		return []string{ind.Indicator}
	case "tlp":
		return []string{ind.TLP}
	}
	return nil
}

// Graph returns the neighbourhood of an indicator: the records for it and
// every record derived from it through rdata.
func (s *Store) Graph(tok *models.Token, filters map[string]any) ([]models.Indicator, error) {
	v, _ := filters["indicator"].(string)
	if strings.TrimSpace(v) == "" {
		return nil, errs.InvalidSearch("graph requires an indicator")
	}
	direct, err := s.Search(tok, map[string]any{"indicator": v, "limit": filters["limit"]})
	if err != nil {
		return nil, err
	}
	q, err := search.Parse(map[string]any{"rdata": v, "tags": filters["tags"]}, groupsFor(tok), s.cfg.SearchLimit)
	if err != nil {
		return nil, err
	}
	q.All = true
	related, err := s.query(q)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []models.Indicator{}
	for _, set := range [][]models.Indicator{direct, related} {
		for _, ind := range set {
			if seen[ind.UUID] {
				continue
			}
			seen[ind.UUID] = true
			out = append(out, ind)
		}
	}
	return out, nil
}

// Prune deletes records reported before cutoff. With tag set only records
// carrying that tag are considered.
func (s *Store) Prune(cutoff time.Time, tag string) (int, error) {
	var ids []string
	err := s.eng.Scan(nil, func(ind *models.Indicator) bool {
		if tag != "" && !ind.Tags.Has(tag) {
			return true
		}
		if !ind.ReportedAt.IsZero() && ind.ReportedAt.Before(cutoff) {
			ids = append(ids, ind.UUID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.Delete(ids)
}
