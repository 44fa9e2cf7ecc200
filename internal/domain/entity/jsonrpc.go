package entity

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version sent on every request.
const JSONRPCVersion = "2.0"

// RPCRequest is a JSON-RPC 2.0 request with positional params.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

// RPCResponse is a JSON-RPC 2.0 response. Result is kept raw so callers decode it themselves.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// HasResult reports whether the response carries a non-null result.
func (r *RPCResponse) HasResult() bool {
	return len(r.Result) > 0 && string(r.Result) != "null"
}

// RPCError is the error object of a JSON-RPC response, or an error raised by a wallet.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorCode matches the go-ethereum rpc.Error interface.
func (e *RPCError) ErrorCode() int { return e.Code }

// ErrorData matches the go-ethereum rpc.DataError interface.
func (e *RPCError) ErrorData() interface{} { return e.Data }

// HTTPStatusError is returned when an endpoint answers with a non-200 status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("endpoint %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("endpoint %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}
