package client

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"stake_orchestrator/internal/domain/entity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxErrorBody bounds the response body copied into HTTPStatusError.
const maxErrorBody = 256

// newHTTPClient returns the fasthttp client shared by probes and routers.
func newHTTPClient() *fasthttp.Client {
	return &fasthttp.Client{
		Name:                "stake-relay",
		MaxConnsPerHost:     64,
		MaxIdleConnDuration: 90 * time.Second,
	}
}

// postJSONRPC sends one JSON-RPC request to url. Transport failures, non-200 statuses
// and undecodable bodies are returned as errors; a JSON-RPC error object is returned
// inside the response for the caller to decide.
func postJSONRPC(ctx context.Context, c *fasthttp.Client, url string, timeout time.Duration, rpcReq *entity.RPCRequest) (*entity.RPCResponse, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", rpcReq.Method, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentTypeBytes([]byte("application/json"))
	req.SetBody(body)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("failed to execute request to %s: %w", url, err)
	}

	rawBody := resp.Body()
	if resp.StatusCode() != fasthttp.StatusOK {
		snippet := string(rawBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &entity.HTTPStatusError{URL: url, StatusCode: resp.StatusCode(), Body: snippet}
	}

	var rpcResp entity.RPCResponse
	if err := json.Unmarshal(rawBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return &rpcResp, nil
}

func newRequest(id uint64, method string, params []any) *entity.RPCRequest {
	if params == nil {
		params = []any{}
	}
	return &entity.RPCRequest{
		JSONRPC: entity.JSONRPCVersion,
		ID:      stdjson.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
		Params:  params,
	}
}
