package api

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"gttdesk/internal/alert"
	"gttdesk/internal/broker"
	"gttdesk/internal/desk"
	"gttdesk/internal/engine"
	"gttdesk/internal/store"
)

// errBadRequest marks request decoding problems.
var errBadRequest = errors.New("bad request")

type errorClass int

const (
	classInternal errorClass = iota
	classInvalid
	classNotFound
	classConflict
	classUpstream
)

func classify(err error) errorClass {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrInvalidPlan),
		errors.Is(err, alert.ErrInvalidLayer):
		return classInvalid
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, engine.ErrUnknownLayer):
		return classNotFound
	case errors.Is(err, engine.ErrNotPlaced),
		errors.Is(err, engine.ErrNothingToPlace),
		errors.Is(err, engine.ErrLayerClosed),
		errors.Is(err, engine.ErrNoAlert),
		errors.Is(err, desk.ErrArchiveDisabled):
		return classConflict
	case errors.Is(err, engine.ErrScanAborted),
		errors.Is(err, broker.ErrRejected),
		errors.Is(err, broker.ErrMalformedResponse):
		return classUpstream
	}
	return classInternal
}

func httpStatus(err error) int {
	switch classify(err) {
	case classInvalid:
		return http.StatusBadRequest
	case classNotFound:
		return http.StatusNotFound
	case classConflict:
		return http.StatusConflict
	case classUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func grpcCode(err error) codes.Code {
	switch classify(err) {
	case classInvalid:
		return codes.InvalidArgument
	case classNotFound:
		return codes.NotFound
	case classConflict:
		return codes.FailedPrecondition
	case classUpstream:
		return codes.Unavailable
	}
	return codes.Internal
}
