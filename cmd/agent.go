package cmd

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/turnkit/internal/auth"
	"github.com/nextlevelbuilder/turnkit/internal/routing"
	"github.com/nextlevelbuilder/turnkit/internal/turn"
	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

const (
	signInCommand  = "/signin"
	signOutCommand = "/signout"
	turnCountKey   = "turnCount"
)

var helpPattern = regexp.MustCompile(`(?i)^\s*/(help|start)\b`)

// echoAgent is the built-in agent served by `turnkit serve`: a greeting,
// help, sign-in/out commands and a counting echo for everything else.
type echoAgent struct {
	auth *auth.UserAuthorization
}

func (a *echoAgent) Routes() []routing.RouteSpec {
	return []routing.RouteSpec{
		{SelectorName: "membersAdded", Handler: a.welcome},
		{SelectorName: "help", Handler: a.help, Rank: routing.RankAt(routing.RankFirst)},
		{SelectorName: "signin", Handler: a.signIn, Rank: routing.RankAt(routing.RankFirst)},
		{SelectorName: "signout", Handler: a.signOut, Rank: routing.RankAt(routing.RankFirst)},
		{Type: protocol.ActivityTypeMessage, Handler: a.echo, Rank: routing.RankAt(routing.RankLast)},
	}
}

func (a *echoAgent) Selectors() map[string]any {
	return map[string]any{
		"membersAdded": routing.ConversationUpdate(protocol.ConversationUpdateMembersAdded),
		"help":         routing.MessageMatching(helpPattern),
		"signin":       routing.MessageText(signInCommand),
		"signout":      routing.MessageText(signOutCommand),
	}
}

// explicitSignIn is the auto sign-in predicate used when automatic sign-in
// is turned off: only the sign-in command starts a flow.
func explicitSignIn(_ context.Context, tc turn.Context) bool {
	a := tc.Activity()
	return a.IsType(protocol.ActivityTypeMessage) && strings.EqualFold(strings.TrimSpace(a.Text), signInCommand)
}

func (a *echoAgent) welcome(ctx context.Context, tc turn.Context, _ *turn.State) error {
	act := tc.Activity()
	for _, m := range act.MembersAdded {
		if m.ID == act.Recipient.ID {
			continue
		}
		name := m.Name
		if name == "" {
			name = "there"
		}
		if _, err := turn.SendText(ctx, tc, fmt.Sprintf("Hello %s! Send /help to see what I can do.", name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *echoAgent) help(ctx context.Context, tc turn.Context, _ *turn.State) error {
	lines := []string{"I repeat what you say and count our turns."}
	if a.auth != nil {
		lines = append(lines,
			signInCommand+" connects your account",
			signOutCommand+" disconnects it",
		)
	}
	_, err := turn.SendText(ctx, tc, strings.Join(lines, "\n"))
	return err
}

func (a *echoAgent) signIn(ctx context.Context, tc turn.Context, ts *turn.State) error {
	if a.auth == nil {
		_, err := turn.SendText(ctx, tc, "Sign-in is not configured.")
		return err
	}
	// Reached after the sign-in gate completed, or when already signed in.
	if a.auth.Token(ts, "") != "" {
		_, err := turn.SendText(ctx, tc, "You are signed in.")
		return err
	}
	res, err := a.auth.SignIn(ctx, tc, ts, "")
	if err != nil {
		return err
	}
	if res.Status == auth.SignInComplete {
		_, err = turn.SendText(ctx, tc, "You are signed in.")
	}
	return err
}

func (a *echoAgent) signOut(ctx context.Context, tc turn.Context, ts *turn.State) error {
	if a.auth == nil {
		_, err := turn.SendText(ctx, tc, "Sign-in is not configured.")
		return err
	}
	if err := a.auth.SignOut(ctx, tc, ts, ""); err != nil {
		return err
	}
	_, err := turn.SendText(ctx, tc, "You are signed out.")
	return err
}

func (a *echoAgent) echo(ctx context.Context, tc turn.Context, ts *turn.State) error {
	var count int
	if _, err := ts.Conversation().Get(turnCountKey, &count); err != nil {
		return err
	}
	count++
	if err := ts.Conversation().Set(turnCountKey, count); err != nil {
		return err
	}

	text := strings.TrimSpace(tc.Activity().Text)
	if text == "" {
		text = "(no text)"
	}
	reply := fmt.Sprintf("[%d] You said: %s", count, text)
	if files := ts.Temp().InputFiles; len(files) > 0 {
		reply += fmt.Sprintf(" (+%d file(s))", len(files))
	}
	_, err := turn.SendText(ctx, tc, reply)
	return err
}
