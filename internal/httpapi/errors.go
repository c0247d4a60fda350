// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForCode maps internal error codes to HTTP statuses. Unknown codes
// are a 500.
func statusForCode(code string) int {
	switch {
	case code == "INVALID_REQUEST",
		code == "POLICY_INVALID",
		code == "CONDITION_INVALID",
		code == "SCHEMA_INVALID",
		code == "INVALID_KEY",
		code == "ATTRIBUTE_VALUE_INVALID":
		return http.StatusBadRequest
	case strings.HasSuffix(code, "_NOT_FOUND"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "_EXISTS"),
		code == "POLICY_ACTION_DUPLICATE":
		return http.StatusConflict
	case code == "EVALUATION_TIMEOUT":
		return http.StatusGatewayTimeout
	case code == "STORE_UNAVAILABLE",
		code == "AUDIT_WRITE_FAILED":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as the JSON error envelope with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	msg := "internal error"

	var oopsErr oops.OopsError
	if errors.As(err, &oopsErr) {
		if c, ok := oopsErr.Code().(string); ok && c != "" {
			code = c
		}
		msg = oopsErr.Error()
	} else if err != nil {
		msg = err.Error()
	}

	writeJSON(w, statusForCode(code), errorBody{Code: code, Message: msg})
}
