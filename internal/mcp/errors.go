// Package mcp exposes the index and query engine to AI clients over the
// Model Context Protocol.
package mcp

import (
	"errors"
	"fmt"

	scoperr "github.com/codescope/codescope/internal/errors"
)

// MCP error codes. The -320xx range is reserved for application errors;
// -326xx are the standard JSON-RPC codes.
const (
	ErrCodeTimeout        = -32001
	ErrCodeUnreadable     = -32002
	ErrCodeEmbedding      = -32003
	ErrCodeSession        = -32004
	ErrCodeNoResults      = -32005
	ErrCodeInvalidRequest = -32600
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// MCPError is a protocol error with a JSON-RPC style code.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError builds an invalid-params error.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// MapError converts internal errors to MCP errors by category.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var serr *scoperr.ScopeError
	if errors.As(err, &serr) {
		code := ErrCodeInternal
		switch serr.Category {
		case scoperr.CategoryTimeout:
			code = ErrCodeTimeout
		case scoperr.CategoryIO:
			code = ErrCodeUnreadable
		case scoperr.CategoryEmbedding:
			code = ErrCodeEmbedding
		case scoperr.CategorySession:
			code = ErrCodeSession
		case scoperr.CategoryValidation:
			code = ErrCodeInvalidParams
		}
		if serr.Code == scoperr.ErrCodeNoResults {
			code = ErrCodeNoResults
		}
		return &MCPError{Code: code, Message: serr.Message}
	}

	return &MCPError{Code: ErrCodeInternal, Message: err.Error()}
}
