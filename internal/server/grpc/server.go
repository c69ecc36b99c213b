// Package grpcserver serves the gateway protocol on top of the backend services.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/and161185/convokeeper/internal/convert"
	"github.com/and161185/convokeeper/internal/errs"
	"github.com/and161185/convokeeper/internal/gateway"
	"github.com/and161185/convokeeper/internal/model"
	"github.com/and161185/convokeeper/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const mdEndpoint = gateway.MDEndpoint

// call is one decoded gateway request.
type call struct {
	appKey string
	body   []byte
}

type handlerFunc func(ctx context.Context, c call) (any, error)

// Server dispatches gateway calls to the services by endpoint.
type Server struct {
	apps   service.AppService
	convs  service.ConversationService
	msgs   service.MessageService
	log    *zap.Logger
	routes map[string]handlerFunc
}

var _ gateway.Handler = (*Server)(nil)

// New constructs a gateway server with injected services.
func New(apps service.AppService, convs service.ConversationService, msgs service.MessageService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{apps: apps, convs: convs, msgs: msgs, log: log}
	s.routes = map[string]handlerFunc{
		gateway.EndpointCreateConversation: s.createConversation,
		gateway.EndpointCreateLoggedIn:     s.createLoggedIn,
		gateway.EndpointExchangeLegacy:     s.exchangeLegacy,
		gateway.EndpointResumeSession:      s.resumeSession,
		gateway.EndpointEndSession:         s.endSession,
		gateway.EndpointPayload:            s.sendPayload,
		gateway.EndpointMessages:           s.listMessages,
		gateway.EndpointManifest:           s.getManifest,
	}
	return s
}

// Call verifies the app signature, routes by the endpoint metadata and encodes the reply.
func (s *Server) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	endpoint := firstMD(ctx, mdEndpoint)
	h, ok := s.routes[endpoint]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown endpoint %q", endpoint)
	}
	appKey := firstMD(ctx, gateway.MDAppKey)
	if err := s.apps.Verify(ctx, appKey, firstMD(ctx, gateway.MDAppSignature)); err != nil {
		return nil, s.toStatus(endpoint, err)
	}
	body, err := convert.FromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad body")
	}
	out, err := h(ctx, call{appKey: appKey, body: body})
	if err != nil {
		return nil, s.toStatus(endpoint, err)
	}
	if out == nil {
		return &structpb.Struct{}, nil
	}
	resp, err := convert.Encode(out)
	if err != nil {
		return nil, s.toStatus(endpoint, err)
	}
	return resp, nil
}

func (s *Server) createConversation(ctx context.Context, c call) (any, error) {
	var req gateway.ConversationRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	p, err := convert.ToProfile(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.convs.Create(ctx, c.appKey, p)
	if err != nil {
		return nil, err
	}
	noteCaller(ctx, sess)
	return convert.ToConversationResponse(sess), nil
}

func (s *Server) createLoggedIn(ctx context.Context, c call) (any, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	var req gateway.ConversationRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	p, err := convert.ToProfile(req)
	if err != nil {
		return nil, err
	}
	sess, err := s.convs.CreateLoggedIn(ctx, c.appKey, tok, p)
	if err != nil {
		return nil, err
	}
	noteCaller(ctx, sess)
	return convert.ToConversationResponse(sess), nil
}

func (s *Server) exchangeLegacy(ctx context.Context, c call) (any, error) {
	var req gateway.LegacyExchangeRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	sess, err := s.convs.ExchangeLegacy(ctx, c.appKey, req.ConversationID, req.LegacyToken)
	if err != nil {
		return nil, err
	}
	noteCaller(ctx, sess)
	return convert.ToConversationResponse(sess), nil
}

func (s *Server) resumeSession(ctx context.Context, c call) (any, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	var req gateway.SessionRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	sess, err := s.convs.Resume(ctx, c.appKey, req.ConversationID, tok, remoteIP(ctx))
	if err != nil {
		return nil, err
	}
	noteCaller(ctx, sess)
	return convert.ToConversationResponse(sess), nil
}

func (s *Server) endSession(ctx context.Context, c call) (any, error) {
	var req gateway.SessionRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	caller, err := s.authorize(ctx, c.appKey, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return nil, s.convs.EndSession(ctx, caller)
}

func (s *Server) sendPayload(ctx context.Context, c call) (any, error) {
	var req gateway.PayloadRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	caller, err := s.authorize(ctx, c.appKey, req.ConversationID)
	if err != nil {
		return nil, err
	}
	p, msg, err := convert.FromPayloadRequest(req)
	if err != nil {
		return nil, errors.Join(errs.ErrRejected, err)
	}
	id, err := s.msgs.AppendPayload(ctx, caller, p, msg)
	if err != nil {
		return nil, err
	}
	return gateway.PayloadResponse{MessageID: id}, nil
}

func (s *Server) listMessages(ctx context.Context, c call) (any, error) {
	var req gateway.MessagesRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	caller, err := s.authorize(ctx, c.appKey, req.ConversationID)
	if err != nil {
		return nil, err
	}
	page, err := s.msgs.ListMessages(ctx, caller, req.After, req.PageSize)
	if err != nil {
		return nil, err
	}
	return convert.ToMessagesResponse(page, req.After)
}

func (s *Server) getManifest(ctx context.Context, c call) (any, error) {
	var req gateway.ManifestRequest
	if err := decode(c.body, &req); err != nil {
		return nil, err
	}
	caller, err := s.authorize(ctx, c.appKey, req.ConversationID)
	if err != nil {
		return nil, err
	}
	m, err := s.msgs.Manifest(ctx, caller, req.Locale)
	if err != nil {
		return nil, err
	}
	return gateway.ManifestResponse{Manifest: m}, nil
}

// authorize resolves the caller from the bearer token and records it on the call info.
func (s *Server) authorize(ctx context.Context, appKey, conversationID string) (model.Caller, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return model.Caller{}, errs.ErrUnauthorized
	}
	caller, err := s.convs.Authorize(ctx, appKey, conversationID, tok)
	if err != nil {
		return model.Caller{}, err
	}
	if ci, ok := CallInfoFromCtx(ctx); ok {
		ci.ConversationID, ci.LoggedIn = caller.ConversationID.String(), caller.Subject != ""
	}
	return caller, nil
}

func noteCaller(ctx context.Context, sess model.Session) {
	if ci, ok := CallInfoFromCtx(ctx); ok {
		ci.ConversationID, ci.LoggedIn = sess.ConversationID.String(), sess.Subject != ""
	}
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(errs.ErrRejected, err)
	}
	return nil
}

// toStatus maps service errors to gRPC status codes. Unclassified errors are logged
// and reported as Internal without detail.
func (s *Server) toStatus(endpoint string, err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.FailedPrecondition, "conflict")
	case errors.Is(err, errs.ErrRejected):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	s.log.Error("gateway call failed", zap.String("endpoint", endpoint), zap.Error(err))
	return status.Error(codes.Internal, "internal")
}

// remoteIP returns the peer host without its port.
func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func firstMD(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get(gateway.MDAuthorization) {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
