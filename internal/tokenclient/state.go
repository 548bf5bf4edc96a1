package tokenclient

import (
	"encoding/base64"
	"encoding/json"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// exchangeState is the opaque state handed to the token service when a
// sign-in resource is requested. The service echoes it back so the resulting
// token is delivered to the right conversation.
type exchangeState struct {
	ConnectionName string                `json:"connectionName"`
	Conversation   conversationReference `json:"conversation"`
	AppID          string                `json:"msAppId,omitempty"`
}

type conversationReference struct {
	ActivityID   string                       `json:"activityId,omitempty"`
	User         protocol.ChannelAccount      `json:"user"`
	Bot          protocol.ChannelAccount      `json:"bot"`
	Conversation protocol.ConversationAccount `json:"conversation"`
	ChannelID    string                       `json:"channelId"`
	ServiceURL   string                       `json:"serviceUrl,omitempty"`
	Locale       string                       `json:"locale,omitempty"`
}

func referenceOf(a *protocol.Activity) conversationReference {
	return conversationReference{
		ActivityID:   a.ID,
		User:         a.From,
		Bot:          a.Recipient,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
		Locale:       a.Locale,
	}
}

// EncodeState builds the base64 state parameter for a sign-in resource request.
func EncodeState(a *protocol.Activity, connectionName, appID string) (string, error) {
	st := exchangeState{
		ConnectionName: connectionName,
		Conversation:   referenceOf(a),
		AppID:          appID,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
