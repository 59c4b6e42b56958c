// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream classifies failures returned by the external services the
// orchestrator depends on: the language model, the knowledge graph and the
// vector index.
//
// Every adapter wraps its errors in a *ServiceError so callers can decide on
// an HTTP status and a user-facing message without knowing which SDK failed.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the provider-neutral category of an upstream failure.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindFailedPrecondition Kind = "failed_precondition"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindInternal           Kind = "internal"
	KindUnavailable        Kind = "unavailable"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindUnknown            Kind = "unknown"
)

// ServiceError is the error type returned by all upstream adapters.
type ServiceError struct {
	Service string // "llm", "graph", "vector"
	Op      string
	Kind    Kind
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Wrap classifies err and wraps it in a *ServiceError. A nil err stays nil,
// and an err that is already a *ServiceError is returned unchanged.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Service: service, Op: op, Kind: Classify(err), Err: err}
}

// KindOf returns the Kind carried by err. Errors that never passed through an
// adapter are classified on the spot.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return Classify(err)
}

// Classify inspects the SDK error types the adapters can produce.
//
// Deadline errors are checked first because every SDK wraps them
// differently. HTTP-shaped errors (OpenAI-compatible endpoints, Google REST)
// are mapped by status code and gRPC errors by status code.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FromHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return FromHTTPStatus(reqErr.HTTPStatusCode)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return FromHTTPStatus(gErr.Code)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return FromGRPCCode(st.Code())
	}
	return KindUnknown
}

// FromHTTPStatus maps an HTTP status code to a Kind.
func FromHTTPStatus(code int) Kind {
	switch code {
	case http.StatusBadRequest:
		return KindInvalidArgument
	case http.StatusPreconditionFailed:
		return KindFailedPrecondition
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindPermissionDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindResourceExhausted
	case http.StatusInternalServerError:
		return KindInternal
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindUnavailable
	case http.StatusGatewayTimeout:
		return KindDeadlineExceeded
	default:
		return KindUnknown
	}
}

// FromGRPCCode maps a gRPC status code to a Kind.
func FromGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.InvalidArgument:
		return KindInvalidArgument
	case codes.FailedPrecondition:
		return KindFailedPrecondition
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermissionDenied
	case codes.NotFound:
		return KindNotFound
	case codes.ResourceExhausted:
		return KindResourceExhausted
	case codes.Internal:
		return KindInternal
	case codes.Unavailable:
		return KindUnavailable
	case codes.DeadlineExceeded:
		return KindDeadlineExceeded
	default:
		return KindUnknown
	}
}
