package models

import "github.com/sugawarayuuta/sonnet"

func tokenFromJSON(s string, t *Token) error {
	return sonnet.Unmarshal([]byte(s), t)
}
