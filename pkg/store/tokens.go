package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/store/engine"
)

// Capability is what a message requires of its token.
type Capability int

const (
	CapRead Capability = iota
	CapWrite
	CapAdmin
)

func (c Capability) String() string {
	switch c {
	case CapRead:
		return "read"
	case CapWrite:
		return "write"
	case CapAdmin:
		return "admin"
	}
	return "unknown"
}

// HunterUsername is the account the hunter token is issued to.
const HunterUsername = "hunter"

// Authorize resolves token and checks it carries want. Admin tokens carry
// every capability.
func (s *Store) Authorize(token string, want Capability) (*models.Token, error) {
	if token == "" {
		return nil, errs.Auth("missing token")
	}
	t, err := s.eng.GetToken(token)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, errs.Auth("unknown token")
		}
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	if t.Expired(s.now()) {
		return nil, errs.Auth("token expired")
	}
	if t.Admin {
		return t, nil
	}
	switch want {
	case CapRead:
		if t.Read {
			return t, nil
		}
	case CapWrite:
		if t.Write {
			return t, nil
		}
	}
	return nil, errs.Auth("token lacks %s", want)
}

// Touch records activity on a token.
func (s *Store) Touch(t *models.Token) {
	t.LastActivityAt = s.now()
	if err := s.eng.PutToken(t); err != nil {
		logger.Warn("token_touch_failed", "username", t.Username, "error", err)
	}
}

// TokenRequest is the payload of tokens_create and tokens_edit.
type TokenRequest struct {
	Token     string           `json:"token,omitempty"`
	Username  string           `json:"username,omitempty"`
	Groups    []string         `json:"groups,omitempty"`
	Read      *models.Flag     `json:"read,omitempty"`
	Write     *models.Flag     `json:"write,omitempty"`
	Admin     *models.Flag     `json:"admin,omitempty"`
	ExpiresAt models.Timestamp `json:"expires_at"`
}

func flagOr(f *models.Flag, def bool) models.Flag {
	if f == nil {
		return models.Flag(def)
	}
	return *f
}

// NewTokenString returns a random 64 character hex token.
func NewTokenString() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateToken stores a new token. A token string is generated when the
// request carries none; groups default to everyone.
func (s *Store) CreateToken(by string, req TokenRequest) (*models.Token, error) {
	if strings.TrimSpace(req.Username) == "" {
		return nil, errs.InvalidIndicator("missing username")
	}
	t := &models.Token{
		Token:     req.Token,
		Username:  strings.TrimSpace(req.Username),
		Groups:    req.Groups,
		Read:      flagOr(req.Read, false),
		Write:     flagOr(req.Write, false),
		Admin:     flagOr(req.Admin, false),
		ExpiresAt: req.ExpiresAt,
	}
	if t.Token == "" {
		tok, err := NewTokenString()
		if err != nil {
			return nil, err
		}
		t.Token = tok
	}
	if len(t.Groups) == 0 {
		t.Groups = []string{"everyone"}
	}
	if err := s.eng.PutToken(t); err != nil {
		return nil, fmt.Errorf("put token: %w", err)
	}
	logger.AuditEvent("token_created", "by", by, "username", t.Username, "groups", t.Groups,
		"read", bool(t.Read), "write", bool(t.Write), "admin", bool(t.Admin))
	return t, nil
}

// SearchTokens lists tokens matching the token and username filters.
func (s *Store) SearchTokens(filters map[string]any) ([]models.Token, error) {
	want, _ := filters["token"].(string)
	user, _ := filters["username"].(string)
	out := []models.Token{}
	err := s.eng.ScanTokens(func(t *models.Token) bool {
		if want != "" && t.Token != want {
			return true
		}
		if user != "" && t.Username != user {
			return true
		}
		out = append(out, *t)
		return true
	})
	return out, err
}

// DeleteTokens removes tokens by token string or username and returns how
// many were removed.
func (s *Store) DeleteTokens(by string, filters map[string]any) (int, error) {
	want, _ := filters["token"].(string)
	user, _ := filters["username"].(string)
	if want == "" && user == "" {
		return 0, errs.InvalidSearch("token or username required")
	}
	matched, err := s.SearchTokens(filters)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range matched {
		if err := s.eng.DeleteToken(t.Token); err != nil {
			return n, err
		}
		n++
	}
	logger.AuditEvent("tokens_deleted", "by", by, "username", user, "count", n)
	return n, nil
}

// EditToken updates the groups and capabilities of an existing token.
func (s *Store) EditToken(by string, req TokenRequest) (bool, error) {
	if req.Token == "" {
		return false, errs.InvalidSearch("token required")
	}
	t, err := s.eng.GetToken(req.Token)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return false, errs.InvalidSearch("token not found")
		}
		return false, err
	}
	if len(req.Groups) > 0 {
		t.Groups = req.Groups
	}
	t.Read = flagOr(req.Read, bool(t.Read))
	t.Write = flagOr(req.Write, bool(t.Write))
	t.Admin = flagOr(req.Admin, bool(t.Admin))
	if !req.ExpiresAt.IsZero() {
		t.ExpiresAt = req.ExpiresAt
	}
	if err := s.eng.PutToken(t); err != nil {
		return false, err
	}
	logger.AuditEvent("token_edited", "by", by, "username", t.Username, "groups", t.Groups,
		"read", bool(t.Read), "write", bool(t.Write), "admin", bool(t.Admin))
	return true, nil
}

// Bootstrap creates the tokens a fresh install needs: an admin token (the
// seed when configured), the hunter token recorded in router.yml and a
// read token for the gateway. It returns the hunter token.
func (s *Store) Bootstrap(seed, settingsPath, hunterToken string) (string, error) {
	var hasAdmin, hasHTTPD bool
	err := s.eng.ScanTokens(func(t *models.Token) bool {
		if t.Admin {
			hasAdmin = true
		}
		if t.Username == "httpd" {
			hasHTTPD = true
		}
		return true
	})
	if err != nil {
		return "", err
	}

	if !hasAdmin {
		yes := models.Flag(true)
		t, err := s.CreateToken("bootstrap", TokenRequest{Token: seed, Username: "admin", Admin: &yes, Read: &yes, Write: &yes})
		if err != nil {
			return "", fmt.Errorf("admin token: %w", err)
		}
		if seed == "" {
			logger.Info("admin_token_created", "token", t.Token)
		} else {
			logger.Info("admin_token_seeded")
		}
	}

	settings, found, err := config.LoadRouterSettings(settingsPath)
	if err != nil {
		return "", err
	}
	switch {
	case hunterToken != "":
		settings.HunterToken = hunterToken
	case !found || settings.HunterToken == "":
		yes := models.Flag(true)
		t, err := s.CreateToken("bootstrap", TokenRequest{Username: HunterUsername, Write: &yes})
		if err != nil {
			return "", fmt.Errorf("hunter token: %w", err)
		}
		settings.HunterToken = t.Token
		if err := config.WriteRouterSettings(settingsPath, settings); err != nil {
			return "", err
		}
		logger.Info("hunter_token_created", "settings", settingsPath)
	}
	if _, err := s.eng.GetToken(settings.HunterToken); errors.Is(err, engine.ErrNotFound) {
		yes := models.Flag(true)
		if _, err := s.CreateToken("bootstrap", TokenRequest{Token: settings.HunterToken, Username: HunterUsername, Write: &yes}); err != nil {
			return "", fmt.Errorf("hunter token: %w", err)
		}
	}

	if !hasHTTPD {
		yes := models.Flag(true)
		if _, err := s.CreateToken("bootstrap", TokenRequest{Username: "httpd", Read: &yes}); err != nil {
			return "", fmt.Errorf("httpd token: %w", err)
		}
		logger.Info("httpd_token_created")
	}
	return settings.HunterToken, nil
}

// HTTPDToken returns the token the gateway uses for its own pings.
func (s *Store) HTTPDToken() (string, error) {
	var tok string
	err := s.eng.ScanTokens(func(t *models.Token) bool {
		if t.Username == "httpd" {
			tok = t.Token
			return false
		}
		return true
	})
	if err == nil && tok == "" {
		err = engine.ErrNotFound
	}
	return tok, err
}
