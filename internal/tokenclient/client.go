// Package tokenclient talks to the user token service: cached token lookup,
// sign-in resource issuance, SSO token exchange and sign-out. Every call is
// scoped by an OAuth connection name configured on the service.
package tokenclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// ErrConsentRequired is returned by ExchangeToken when the service could not
// exchange the client token silently and the user must consent first.
var ErrConsentRequired = errors.New("tokenclient: consent required")

// Client is the token service surface consumed by the sign-in flow.
type Client interface {
	// GetUserToken returns the cached token for the user, redeeming magicCode
	// when one is given. A missing token is (nil, nil).
	GetUserToken(ctx context.Context, userID, connectionName, channelID, magicCode string) (*protocol.TokenResponse, error)

	// GetTokenOrSignInResource returns either a cached token or the resource
	// needed to prompt the user.
	GetTokenOrSignInResource(ctx context.Context, activity *protocol.Activity, connectionName, finalRedirect string) (*TokenOrSignInResourceResponse, error)

	// GetSignInResource issues a sign-in link for the conversation of activity.
	GetSignInResource(ctx context.Context, activity *protocol.Activity, connectionName, finalRedirect string) (*protocol.SignInResource, error)

	// ExchangeToken swaps a client-held token for one usable by the agent.
	ExchangeToken(ctx context.Context, userID, connectionName, channelID string, req ExchangeRequest) (*protocol.TokenResponse, error)

	SignOutUser(ctx context.Context, userID, connectionName, channelID string) error
}

// TokenOrSignInResourceResponse holds exactly one of its fields.
type TokenOrSignInResourceResponse struct {
	TokenResponse  *protocol.TokenResponse  `json:"tokenResponse,omitempty"`
	SignInResource *protocol.SignInResource `json:"signInResource,omitempty"`
}

// ExchangeRequest is the body of a token exchange.
type ExchangeRequest struct {
	URI   string `json:"uri,omitempty"`
	Token string `json:"token,omitempty"`
}

// ServiceError is a non-2xx reply from the token service.
type ServiceError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token service: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("token service: HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the token service.
func IsNotFound(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
