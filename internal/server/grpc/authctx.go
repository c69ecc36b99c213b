package grpcserver

import "context"

type ctxKey string

const callInfoKey ctxKey = "ck.callInfo"

// CallInfo describes the gateway call being served. Handlers fill in the
// conversation once the caller is authorized; the logging interceptor reads it.
type CallInfo struct {
	Endpoint       string
	ConversationID string
	LoggedIn       bool
}

// WithCallInfo attaches a fresh CallInfo to ctx.
func WithCallInfo(ctx context.Context, endpoint string) (context.Context, *CallInfo) {
	ci := &CallInfo{Endpoint: endpoint}
	return context.WithValue(ctx, callInfoKey, ci), ci
}

// CallInfoFromCtx fetches the CallInfo of the current call.
func CallInfoFromCtx(ctx context.Context) (*CallInfo, bool) {
	ci, ok := ctx.Value(callInfoKey).(*CallInfo)
	return ci, ok
}
