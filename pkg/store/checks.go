package store

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
)

// Check fills defaults on ind, validates the required fields and makes
// sure tok may write into ind's group.
func Check(tok *models.Token, ind *models.Indicator, now models.Timestamp) error {
	cleanup(ind)
	if ind.Message != "" {
		if b, err := base64.StdEncoding.DecodeString(ind.Message); err == nil && utf8.Valid(b) {
			ind.Message = string(b)
		}
	}

	if ind.Indicator == "" {
		return errs.InvalidIndicator("missing indicator")
	}
	if ind.Itype == "" {
		itype, ok := models.ResolveItype(ind.Indicator)
		if !ok {
			return errs.InvalidIndicator("unable to resolve itype for %s", ind.Indicator)
		}
		ind.Itype = itype
		cleanup(ind)
	}
	if ind.Group == "" {
		ind.Group = tok.DefaultGroup()
	}
	if ind.Provider == "" {
		ind.Provider = tok.Username
	}
	if len(ind.Tags) == 0 {
		ind.Tags = models.Tags{"suspicious"}
	}
	if ind.ReportedAt.IsZero() {
		ind.ReportedAt = now
	}
	if ind.LastAt.IsZero() {
		ind.LastAt = ind.ReportedAt
	}
	if ind.FirstAt.IsZero() {
		ind.FirstAt = ind.LastAt
	}

	for field, v := range map[string]string{"group": ind.Group, "provider": ind.Provider, "itype": ind.Itype} {
		if v == "" {
			return errs.InvalidIndicator("missing %s", field)
		}
	}
	if !tok.InGroup(ind.Group) {
		return errs.Auth("unauthorized to write to group: %s", ind.Group)
	}
	return nil
}

func cleanup(ind *models.Indicator) {
	ind.Indicator = strings.TrimSpace(ind.Indicator)
	ind.RData = strings.TrimSpace(ind.RData)
	switch ind.Itype {
	case models.ItypeFQDN:
		ind.Indicator = strings.TrimSuffix(strings.ToLower(ind.Indicator), ".")
	case models.ItypeEmail:
		ind.Indicator = strings.ToLower(ind.Indicator)
	}
	tags := ind.Tags[:0]
	for _, t := range ind.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	ind.Tags = tags
}
