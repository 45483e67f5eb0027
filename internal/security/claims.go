package security

import "time"

type TokenClaims struct {
	Principal string
	Issuer    string
	Exp       time.Time
}
