package models

// Token is a bearer credential and its capabilities.
type Token struct {
	Token          string    `json:"token"`
	Username       string    `json:"username"`
	Groups         []string  `json:"groups"`
	Read           Flag      `json:"read"`
	Write          Flag      `json:"write"`
	Admin          Flag      `json:"admin"`
	ExpiresAt      Timestamp `json:"expires_at"`
	LastActivityAt Timestamp `json:"last_activity_at"`
}

// InGroup reports whether g is one of the token's groups.
func (t Token) InGroup(g string) bool {
	for _, v := range t.Groups {
		if v == g {
			return true
		}
	}
	return false
}

// DefaultGroup is the group an indicator lands in when none is given.
func (t Token) DefaultGroup() string {
	if len(t.Groups) == 0 {
		return "everyone"
	}
	return t.Groups[0]
}

// Expired reports whether the token has an expiry in the past.
func (t Token) Expired(now Timestamp) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
