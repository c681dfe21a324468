// Package auth defines the credential validator the relay delegates to when
// a connection is established. The relay never inspects credentials itself;
// any implementation that maps a token to a user id satisfies the contract.
package auth

import "errors"

// ErrAuthRejected is terminal for the connection attempt. There is no retry
// without new credentials.
var ErrAuthRejected = errors.New("credentials rejected")

type Validator interface {
	// Validate returns the user id the token authenticates as, or an error
	// wrapping ErrAuthRejected.
	Validate(token string) (string, error)
}
