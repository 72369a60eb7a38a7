package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// codeOf maps a domain error to the Connect code reported to callers.
func codeOf(err error) connect.Code {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return connect.CodeNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		return connect.CodeAlreadyExists
	case errors.Is(err, domain.ErrInvalidArgument):
		return connect.CodeInvalidArgument
	case errors.Is(err, domain.ErrPermissionDenied):
		return connect.CodePermissionDenied
	case errors.Is(err, domain.ErrResourceExhausted):
		return connect.CodeResourceExhausted
	case errors.Is(err, domain.ErrUnsupported):
		return connect.CodeUnimplemented
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrUnavailable):
		return connect.CodeUnavailable
	case errors.Is(err, domain.ErrConflict):
		return connect.CodeFailedPrecondition
	case errors.Is(err, domain.ErrOperationFailed):
		return connect.CodeAborted
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	}
	return connect.CodeInternal
}

func toConnectError(err error) error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return connect.NewError(codeOf(err), err)
}
