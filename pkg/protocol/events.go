package protocol

// Activity type names carried in Activity.Type.
const (
	ActivityTypeMessage            = "message"
	ActivityTypeMessageUpdate      = "messageUpdate"
	ActivityTypeMessageDelete      = "messageDelete"
	ActivityTypeMessageReaction    = "messageReaction"
	ActivityTypeConversationUpdate = "conversationUpdate"
	ActivityTypeEvent              = "event"
	ActivityTypeInvoke             = "invoke"
	ActivityTypeInvokeResponse     = "invokeResponse"
	ActivityTypeTyping             = "typing"
	ActivityTypeEndOfConversation  = "endOfConversation"
	ActivityTypeInstallationUpdate = "installationUpdate"
	ActivityTypeHandoff            = "handoff"
)

// Conversation-update sub-events understood by the route selectors.
const (
	ConversationUpdateMembersAdded   = "membersAdded"
	ConversationUpdateMembersRemoved = "membersRemoved"
)

// Event names (Activity.Name on event activities).
const (
	EventTokenResponse = "tokens/response"
)

// Invoke names (Activity.Name on invoke activities).
const (
	InvokeSignInTokenExchange = "signin/tokenExchange"
	InvokeSignInVerifyState   = "signin/verifyState"
	InvokeSignInFailure       = "signin/failure"
	InvokeAdaptiveCardAction  = "adaptiveCard/action"
)

// Entity types.
const (
	EntityTypeMention    = "mention"
	EntityTypeStreamInfo = "streaminfo"
)

// Channel IDs with special handling in the sign-in prompt and hosting layers.
const (
	ChannelMSTeams    = "msteams"
	ChannelWebChat    = "webchat"
	ChannelDirectLine = "directline"
	ChannelEmulator   = "emulator"
	ChannelTelegram   = "telegram"
	ChannelDiscord    = "discord"
	ChannelTest       = "test"
)

// Attachment content types.
const (
	ContentTypeOAuthCard  = "application/vnd.microsoft.card.oauth"
	ContentTypeSigninCard = "application/vnd.microsoft.card.signin"
)
