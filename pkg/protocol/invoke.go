package protocol

import (
	"encoding/json"
	"net/http"
)

// InvokeResponse is the synchronous reply to an invoke activity.
// It is sent through the turn as an activity of type ActivityTypeInvokeResponse
// whose Value holds the marshalled InvokeResponse.
type InvokeResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// NewInvokeResponseActivity wraps an invoke response in an activity.
func NewInvokeResponseActivity(status int, body any) *Activity {
	value, _ := json.Marshal(InvokeResponse{Status: status, Body: body})
	return &Activity{Type: ActivityTypeInvokeResponse, Value: value}
}

// DecodeInvokeResponse extracts the invoke response carried by an
// invokeResponse activity. ok is false for any other activity type.
func DecodeInvokeResponse(a *Activity) (resp InvokeResponse, ok bool) {
	if a == nil || !a.IsType(ActivityTypeInvokeResponse) {
		return InvokeResponse{}, false
	}
	var raw struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body,omitempty"`
	}
	if err := json.Unmarshal(a.Value, &raw); err != nil {
		return InvokeResponse{Status: http.StatusInternalServerError}, true
	}
	resp.Status = raw.Status
	if len(raw.Body) > 0 {
		resp.Body = raw.Body
	}
	return resp, true
}

// TokenResponse is a user token issued by the token service.
type TokenResponse struct {
	ChannelID      string `json:"channelId,omitempty"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
	Expiration     string `json:"expiration,omitempty"`
}

// TokenExchangeInvokeRequest is the value of a signin/tokenExchange invoke.
type TokenExchangeInvokeRequest struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	Token          string `json:"token"`
}

// TokenExchangeInvokeResponse is the body sent back for a signin/tokenExchange invoke.
type TokenExchangeInvokeResponse struct {
	ID             string `json:"id"`
	ConnectionName string `json:"connectionName"`
	FailureDetail  string `json:"failureDetail,omitempty"`
}

// TokenExchangeResource describes how a client may perform single sign-on.
type TokenExchangeResource struct {
	ID         string `json:"id"`
	URI        string `json:"uri,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
}

// TokenPostResource describes where a client may post a token directly.
type TokenPostResource struct {
	SASURL string `json:"sasUrl,omitempty"`
}

// SignInResource is issued by the token service when no cached token exists.
type SignInResource struct {
	SignInLink            string                 `json:"signInLink"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
	TokenPostResource     *TokenPostResource     `json:"tokenPostResource,omitempty"`
}

// VerifyStateValue is the value of a signin/verifyState invoke.
type VerifyStateValue struct {
	State string `json:"state"`
}

// SignInFailureValue is the value of a signin/failure invoke.
type SignInFailureValue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CardAction is a button on a card.
type CardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value,omitempty"`
}

// CardActionSignIn is the action type for sign-in buttons.
const CardActionSignIn = "signin"

// OAuthCard is the channel-native sign-in card (supports SSO token exchange).
type OAuthCard struct {
	Text                  string                 `json:"text,omitempty"`
	ConnectionName        string                 `json:"connectionName"`
	Buttons               []CardAction           `json:"buttons,omitempty"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
	TokenPostResource     *TokenPostResource     `json:"tokenPostResource,omitempty"`
}

// SigninCard is a plain link card for channels without OAuthCard support.
type SigninCard struct {
	Text    string       `json:"text,omitempty"`
	Buttons []CardAction `json:"buttons,omitempty"`
}

// SignInLinkFromAttachment returns the first sign-in button link and its title
// found in an OAuth or Signin card attachment. Channel adapters without card
// rendering use it to present a plain link.
func SignInLinkFromAttachment(att Attachment) (title, link string, ok bool) {
	var buttons []CardAction
	switch c := att.Content.(type) {
	case *OAuthCard:
		buttons = c.Buttons
	case OAuthCard:
		buttons = c.Buttons
	case *SigninCard:
		buttons = c.Buttons
	case SigninCard:
		buttons = c.Buttons
	default:
		return "", "", false
	}
	for _, b := range buttons {
		if b.Value != "" {
			return b.Title, b.Value, true
		}
	}
	return "", "", false
}

// CardText returns the text of an OAuth or Signin card attachment.
func CardText(att Attachment) string {
	switch c := att.Content.(type) {
	case *OAuthCard:
		return c.Text
	case OAuthCard:
		return c.Text
	case *SigninCard:
		return c.Text
	case SigninCard:
		return c.Text
	}
	return ""
}
