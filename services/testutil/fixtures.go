package testutil

import (
	"time"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	OpsUserID    = uuid.MustParse("00000000-0000-0000-0000-000000000009")
)

func GenerateJWT(userID uuid.UUID, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles:  roles,
		Scopes: []string{"read"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lockbay-auth",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
