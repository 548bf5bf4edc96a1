package auth

import (
	"strings"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

// Channels rendering OAuth cards natively. Others get a plain sign-in card.
var oauthCardChannels = map[string]bool{
	protocol.ChannelMSTeams:    true,
	protocol.ChannelWebChat:    true,
	protocol.ChannelDirectLine: true,
	protocol.ChannelEmulator:   true,
}

// SupportsOAuthCard reports whether channelID renders OAuth cards.
func SupportsOAuthCard(channelID string) bool {
	return oauthCardChannels[strings.ToLower(channelID)]
}

func (f *OAuthFlow) promptActivity(channelID string, res *protocol.SignInResource) *protocol.Activity {
	button := protocol.CardAction{
		Type:  protocol.CardActionSignIn,
		Title: f.settings.Title,
		Value: res.SignInLink,
	}

	var att protocol.Attachment
	if SupportsOAuthCard(channelID) {
		card := &protocol.OAuthCard{
			Text:                  f.settings.Text,
			ConnectionName:        f.settings.ConnectionName,
			Buttons:               []protocol.CardAction{button},
			TokenExchangeResource: res.TokenExchangeResource,
			TokenPostResource:     res.TokenPostResource,
		}
		att = protocol.Attachment{ContentType: protocol.ContentTypeOAuthCard, Content: card}
	} else {
		card := &protocol.SigninCard{
			Text:    f.settings.Text,
			Buttons: []protocol.CardAction{button},
		}
		att = protocol.Attachment{ContentType: protocol.ContentTypeSigninCard, Content: card}
	}

	return &protocol.Activity{
		Type:        protocol.ActivityTypeMessage,
		Attachments: []protocol.Attachment{att},
	}
}
