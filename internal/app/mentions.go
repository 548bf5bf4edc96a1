package app

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var (
	atTagPattern = regexp.MustCompile(`(?i)</?at>`)
	spacePattern = regexp.MustCompile(`[ \t]{2,}`)
)

// NormalizeMentions removes the recipient's own mention from the text of a
// message activity and unwraps the <at> markup of every other mention, in
// both the text and the mention entities. Applying it twice is a no-op.
func NormalizeMentions(a *protocol.Activity) {
	if a == nil || !a.IsType(protocol.ActivityTypeMessage) {
		return
	}
	text := removeRecipient(a)
	for i := range a.Entities {
		e := &a.Entities[i]
		if !strings.EqualFold(e.Type, protocol.EntityTypeMention) || isRecipient(a, e) {
			continue
		}
		plain := atTagPattern.ReplaceAllString(e.Text, "")
		if e.Text != "" && plain != e.Text {
			text = strings.ReplaceAll(text, e.Text, plain)
			e.Text = plain
		}
	}
	a.Text = tidy(text)
}

// RemoveRecipientMention removes only the recipient's own mention from the
// text of a message activity.
func RemoveRecipientMention(a *protocol.Activity) {
	if a == nil || !a.IsType(protocol.ActivityTypeMessage) {
		return
	}
	a.Text = tidy(removeRecipient(a))
}

func removeRecipient(a *protocol.Activity) string {
	text := a.Text
	for _, e := range a.Entities {
		if strings.EqualFold(e.Type, protocol.EntityTypeMention) && isRecipient(a, &e) && e.Text != "" {
			text = strings.ReplaceAll(text, e.Text, "")
		}
	}
	if a.Recipient.Name != "" {
		// Channels that omit mention entities still send the markup.
		re := regexp.MustCompile(`(?i)<at>\s*` + regexp.QuoteMeta(a.Recipient.Name) + `\s*</at>`)
		text = re.ReplaceAllString(text, "")
	}
	return text
}

func isRecipient(a *protocol.Activity, e *protocol.Entity) bool {
	return e.Mentioned != nil && a.Recipient.ID != "" && e.Mentioned.ID == a.Recipient.ID
}

func tidy(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}
