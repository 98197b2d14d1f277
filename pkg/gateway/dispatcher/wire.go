// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// Gateway error codes, in the JSON-RPC implementation-defined range.
const (
	// CodeUnauthorized covers invalid credentials. Re-authentication errors
	// use it too and carry the reason "reauth_required" in their data.
	CodeUnauthorized = -32001
	// CodeReauthRequired means the user must consent to the backend again.
	CodeReauthRequired = CodeUnauthorized
	// CodeUpstreamUnavailable means a backend is not serving.
	CodeUpstreamUnavailable = -32002
	// CodeForbidden means the caller is not entitled to the resource.
	CodeForbidden = -32003
	// CodeNotFound means the resource is missing or deleted.
	CodeNotFound = -32004
)

// rpcCode maps a taxonomy code to a JSON-RPC error code.
func rpcCode(code gateway.Code) int {
	switch code {
	case gateway.CodeUnauthorized:
		return CodeUnauthorized
	case gateway.CodeForbidden:
		return CodeForbidden
	case gateway.CodeNotFound:
		return CodeNotFound
	case gateway.CodeInvalidRequest:
		return mcp.INVALID_PARAMS
	case gateway.CodeUpstreamUnavailable:
		return CodeUpstreamUnavailable
	default:
		return mcp.INTERNAL_ERROR
	}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type errorData struct {
	Code string `json:"code"`
}

type reauthData struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	TokenID   string `json:"tokenId,omitempty"`
	UserID    string `json:"userId"`
	BackendID string `json:"backendId"`
}

// rpcError is the wire form of a JSON-RPC error. jsonrpc2 errors cannot
// carry a data member, so error responses are encoded here.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      any      `json:"id"`
	Error   rpcError `json:"error"`
}

func encodeError(id jsonrpc2.ID, code int, message string, data any) []byte {
	out, err := json.Marshal(errorResponse{
		JSONRPC: "2.0",
		ID:      id.Raw(),
		Error:   rpcError{Code: code, Message: message, Data: data},
	})
	if err != nil {
		logger.Errorw("failed to encode JSON-RPC error", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

func encodeResult(id jsonrpc2.ID, result any) []byte {
	resp, err := jsonrpc2.NewResponse(id, result, nil)
	if err != nil {
		logger.Errorw("failed to encode JSON-RPC result", "error", err)
		return encodeError(id, mcp.INTERNAL_ERROR, "internal error", nil)
	}
	out, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		logger.Errorw("failed to encode JSON-RPC response", "error", err)
		return encodeError(id, mcp.INTERNAL_ERROR, "internal error", nil)
	}
	return out
}
