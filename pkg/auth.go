package relay

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

var errTokenClaimsInvalid = fmt.Errorf("token claims invalid: must have room")

type authClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// authGetAndValidateToken parses the access_token query parameter and
// verifies its signature and claims. The room claim must match the room
// being subscribed to; that check belongs to the caller since it knows
// the route.
func authGetAndValidateToken(config AuthConfig, r *http.Request) (*authClaims, error) {
	tokenParam := r.URL.Query()["access_token"]
	if len(tokenParam) < 1 {
		return nil, errors.New("no token")
	}

	token, err := jwt.ParseWithClaims(tokenParam[0], &authClaims{}, config.keyFunc)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*authClaims)
	if !ok || claims.Room == "" {
		return nil, errTokenClaimsInvalid
	}
	return claims, nil
}
