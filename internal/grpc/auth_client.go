package grpc

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// Dial opens a traced, metered connection to the auth service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}

// AuthClient verifies tokens against the auth service. The request is a StringValue
// holding the token; the reply is a Struct with valid, user_id and username.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Verify validates the token and returns the authenticated identity.
func (a *AuthClient) Verify(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, fmt.Errorf("%w: missing token", errs.ErrUnauthenticated)
	}
	reply := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, wrapperspb.String(token), reply); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.InvalidArgument, codes.PermissionDenied:
			return models.Identity{}, fmt.Errorf("%w: %s", errs.ErrUnauthenticated, status.Convert(err).Message())
		}
		return models.Identity{}, fmt.Errorf("%w: auth service: %v", errs.ErrUnavailable, err)
	}

	fields := reply.GetFields()
	if !fields["valid"].GetBoolValue() {
		return models.Identity{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthenticated)
	}
	id := userID(fields["user_id"])
	if id == "" {
		return models.Identity{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthenticated)
	}
	name := fields["username"].GetStringValue()
	if name == "" {
		name = id
	}
	return models.Identity{ID: id, Name: name}, nil
}

// userID accepts both numeric and string ids.
func userID(v *structpb.Value) string {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_NumberValue:
		if kind.NumberValue == 0 {
			return ""
		}
		return strconv.FormatInt(int64(kind.NumberValue), 10)
	}
	return ""
}
