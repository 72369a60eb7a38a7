package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/auth"
	"github.com/limiquantix/modmgmt/internal/modmgmt"
	"github.com/limiquantix/modmgmt/internal/server/middleware"
)

const (
	// ServiceName is the fully-qualified control service name.
	ServiceName = "modmgmt.v1.ControlService"
	// InvokeProcedure carries one control operation.
	InvokeProcedure = "/" + ServiceName + "/Invoke"
)

// InvokeRequest selects an operation and carries its JSON request record.
type InvokeRequest struct {
	Opcode  modmgmt.Opcode  `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvokeResponse carries the JSON response record of an operation.
type InvokeResponse struct {
	Opcode modmgmt.Opcode  `json:"opcode"`
	Result json.RawMessage `json:"result,omitempty"`
}

// jsonCodec replaces Connect's protobuf-backed JSON codec so plain Go
// records travel over the Connect protocol.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Dispatcher runs control operations.
type Dispatcher interface {
	Dispatch(ctx context.Context, op modmgmt.Opcode, payload []byte) (any, error)
}

type controlService struct {
	dispatcher Dispatcher
	checkRoles bool
	logger     *zap.Logger
}

func (s *controlService) invoke(ctx context.Context, req *connect.Request[InvokeRequest]) (*connect.Response[InvokeResponse], error) {
	op := req.Msg.Opcode
	if s.checkRoles && op.Mutates() {
		if err := middleware.RequireRole(ctx, auth.RoleOperator); err != nil {
			return nil, err
		}
	}

	result, err := s.dispatcher.Dispatch(ctx, op, req.Msg.Payload)
	if err != nil {
		s.logger.Info("Control operation failed",
			zap.String("opcode", string(op)),
			zap.Error(err),
		)
		return nil, toConnectError(err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to encode %s result: %w", op, err))
	}
	if op.Mutates() {
		operator, _ := middleware.GetOperator(ctx)
		s.logger.Info("Control operation completed",
			zap.String("opcode", string(op)),
			zap.String("operator", operator),
		)
	}
	return connect.NewResponse(&InvokeResponse{Opcode: op, Result: raw}), nil
}

// =============================================================================
// Client
// =============================================================================

// Client calls the control service.
type Client struct {
	invoke *connect.Client[InvokeRequest, InvokeResponse]
	token  string
}

// NewClient creates a client for the control service at baseURL. An empty
// token sends no Authorization header.
func NewClient(httpClient connect.HTTPClient, baseURL, token string) *Client {
	return &Client{
		invoke: connect.NewClient[InvokeRequest, InvokeResponse](
			httpClient,
			baseURL+InvokeProcedure,
			connect.WithCodec(jsonCodec{}),
		),
		token: token,
	}
}

// Invoke runs op with the request record req, which may be nil.
func (c *Client) Invoke(ctx context.Context, op modmgmt.Opcode, req any) (json.RawMessage, error) {
	msg := &InvokeRequest{Opcode: op}
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		msg.Payload = payload
	}

	r := connect.NewRequest(msg)
	if c.token != "" {
		r.Header().Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.invoke.CallUnary(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Result, nil
}

// InvokeInto runs op and decodes the result into out.
func (c *Client) InvokeInto(ctx context.Context, op modmgmt.Opcode, req, out any) error {
	raw, err := c.Invoke(ctx, op, req)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", op, err)
	}
	return nil
}

// IsCode reports whether err carries the Connect code.
func IsCode(err error, code connect.Code) bool {
	var cerr *connect.Error
	return errors.As(err, &cerr) && cerr.Code() == code
}
