// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/SC2EditorAI/pkg/upstream"
)

// errorContentFormat is the user-facing text of an error event.
const errorContentFormat = "Sorry, an error occurred while processing your request.\n\nHTTP Code %d: %s"

// ErrorInfo is the HTTP-style code and fixed message shown for a failure kind.
type ErrorInfo struct {
	Code    int
	Message string
}

var errorTable = map[upstream.Kind]ErrorInfo{
	upstream.KindInvalidArgument: {http.StatusBadRequest, "The request body is malformed."},
	upstream.KindFailedPrecondition: {http.StatusBadRequest,
		"Gemini API free tier is not available in server country. Please enable billing on your project in Google AI Studio."},
	upstream.KindPermissionDenied: {http.StatusForbidden, "API key doesn't have the required permissions."},
	upstream.KindNotFound:         {http.StatusNotFound, "The requested resource wasn't found."},
	upstream.KindResourceExhausted: {http.StatusTooManyRequests,
		"The rate limit for the Gemini API free tier has been exceeded. The API is no longer available today. Please try again tomorrow."},
	upstream.KindInternal:         {http.StatusInternalServerError, "An unexpected error occurred on Google's side."},
	upstream.KindUnavailable:      {http.StatusServiceUnavailable, "The Gemini API service may be temporarily overloaded or down. Please try again later."},
	upstream.KindDeadlineExceeded: {http.StatusGatewayTimeout, "The Gemini API service could not be processed within the deadline."},
}

var unknownErrorInfo = ErrorInfo{
	Code:    http.StatusInternalServerError,
	Message: "I apologize, but I encountered an error while processing your request. Please try again.",
}

// LookupError maps err to its code and message.
func LookupError(err error) ErrorInfo {
	if info, ok := errorTable[upstream.KindOf(err)]; ok {
		return info
	}
	return unknownErrorInfo
}

// ErrorContent renders the error event's content string.
func ErrorContent(info ErrorInfo) string {
	return fmt.Sprintf(errorContentFormat, info.Code, info.Message)
}

// errClientGone aborts a turn when the client has disconnected.
var errClientGone = errors.New("client disconnected")
