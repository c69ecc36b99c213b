package backend

import (
	"fmt"

	"github.com/and161185/convokeeper/internal/conversation"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/roster"
)

// Summary collapses the orchestrator state into what is permitted right now.
type Summary string

const (
	SummaryError        Summary = "error"
	SummaryBackgrounded Summary = "backgrounded"
	SummaryLocked       Summary = "locked"
	SummaryWaiting      Summary = "waiting"
	SummaryLoading      Summary = "loading"
	SummaryLoggedOut    Summary = "logged_out"
	SummaryPosting      Summary = "posting"
	SummaryAnonymous    Summary = "anonymous"
	SummaryLoggedIn     Summary = "logged_in"
)

// CanSync reports whether network requests may be made.
func (s Summary) CanSync() bool {
	return s == SummaryAnonymous || s == SummaryLoggedIn
}

type stateInputs struct {
	fatal        error
	foreground   bool
	available    bool
	appCreds     bool
	rosterLoaded bool
	hasActive    bool
	active       roster.Kind
}

// summarize maps the inputs to a Summary. Combinations that match no case are
// reported as an inconsistency rather than guessed at.
func summarize(in stateInputs) (Summary, error) {
	switch {
	case in.fatal != nil:
		return SummaryError, nil
	case !in.foreground:
		return SummaryBackgrounded, nil
	case !in.available:
		return SummaryLocked, nil
	case !in.appCreds:
		return SummaryWaiting, nil
	case !in.rosterLoaded:
		return SummaryLoading, nil
	case !in.hasActive:
		return SummaryLoggedOut, nil
	}
	switch in.active {
	case roster.KindPlaceholder, roster.KindAnonymousPending, roster.KindLegacyPending:
		return SummaryPosting, nil
	case roster.KindAnonymous:
		return SummaryAnonymous, nil
	case roster.KindLoggedIn:
		return SummaryLoggedIn, nil
	}
	return SummaryError, fmt.Errorf("summary: %w: active identity is %q", errs.ErrUnexpectedState, in.active)
}

// ConnectionType tells whether Register created a conversation or reused one.
type ConnectionType string

const (
	ConnectionCached ConnectionType = "cached"
	ConnectionNew    ConnectionType = "new"
)

type readinessKind int

const (
	notReady readinessKind = iota
	pending
	ready
)

// readiness tracks deferred registration: NotReady until Register is called,
// Pending while it waits for protected storage, Ready once it completed.
type readiness struct {
	kind readinessKind
	app  conversation.AppCredentials
}
