package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/festivalhq/cashless-ledger/internal/platform/ledger"
	"github.com/festivalhq/cashless-ledger/internal/platform/payouts"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is the ErrorInfo domain of every error this service returns.
const ErrorDomain = "cashless.festivalhq"

// Conflicts on unique data map to AlreadyExists, other conflicts to Aborted.
var alreadyExistsReasons = map[string]bool{
	ledger.ReasonAccountExists:   true,
	ledger.ReasonNfcTagBound:     true,
	ledger.ReasonDuplicateRecord: true,
	payouts.ReasonPeriodOverlap:  true,
}

func codeForError(e *ledger.Error) codes.Code {
	switch e.Kind {
	case ledger.KindNotFound:
		return codes.NotFound
	case ledger.KindConflict:
		if alreadyExistsReasons[e.Reason] {
			return codes.AlreadyExists
		}
		return codes.Aborted
	case ledger.KindForbidden:
		return codes.PermissionDenied
	case ledger.KindBadRequest:
		if strings.HasPrefix(e.Reason, "INVALID_") {
			return codes.InvalidArgument
		}
		return codes.FailedPrecondition
	default:
		return codes.Unavailable
	}
}

// statusFromError converts err into a gRPC status carrying an ErrorInfo.
// Infrastructure causes are logged and never leave the process.
func statusFromError(ctx context.Context, logger *slog.Logger, err error) *status.Status {
	if s, ok := status.FromError(err); ok {
		return s
	}
	de := ledger.AsError(err)
	code := codeForError(de)
	msg := de.Message
	if de.Kind == ledger.KindUnavailable {
		logger.ErrorContext(ctx, "request failed", "error", err)
		msg = "ledger temporarily unavailable, retry"
	}
	st := status.New(code, msg)
	info := &errdetails.ErrorInfo{Reason: de.Reason, Domain: ErrorDomain, Metadata: de.Metadata}
	if withInfo, derr := st.WithDetails(info); derr == nil {
		st = withInfo
	}
	return st
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	runtime.HTTPError(r.Context(), g.mux, outbound, w, r, statusFromError(r.Context(), g.Logger, err).Err())
}

func badRequest(format string, args ...any) error {
	return ledger.BadRequest(ledger.ReasonInvalidRequest, format, args...)
}

func unauthenticated() error {
	return status.Error(codes.Unauthenticated, "authentication required")
}
