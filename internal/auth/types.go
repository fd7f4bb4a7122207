package auth

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims identifies the human behind an operator-only request.
type OperatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// AuthError is returned to API clients as a code and message pair.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidToken    = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired    = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized    = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrMissingOperator = AuthError{Code: "MISSING_OPERATOR", Message: "token does not name an operator"}
	ErrAuthDisabled    = AuthError{Code: "AUTH_DISABLED", Message: "operator authentication is not configured"}
)
