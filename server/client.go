package server

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a Server over connect.
type Client struct {
	getStats      *connect.Client[GetStatsRequest, GetStatsResponse]
	listBlocks    *connect.Client[ListBlocksRequest, ListBlocksResponse]
	disasm        *connect.Client[DisasmRequest, DisasmResponse]
	invalidateAll *connect.Client[InvalidateAllRequest, InvalidateAllResponse]
	send          *connect.Client[SendRequest, SendResponse]
}

// NewClient creates a client for the server at baseURL, such as
// "http://localhost:4568". A bare host:port gets an http scheme.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)
	return &Client{
		getStats:      connect.NewClient[GetStatsRequest, GetStatsResponse](httpClient, baseURL+GetStatsProcedure, opts...),
		listBlocks:    connect.NewClient[ListBlocksRequest, ListBlocksResponse](httpClient, baseURL+ListBlocksProcedure, opts...),
		disasm:        connect.NewClient[DisasmRequest, DisasmResponse](httpClient, baseURL+DisasmProcedure, opts...),
		invalidateAll: connect.NewClient[InvalidateAllRequest, InvalidateAllResponse](httpClient, baseURL+InvalidateAllProcedure, opts...),
		send:          connect.NewClient[SendRequest, SendResponse](httpClient, baseURL+SendProcedure, opts...),
	}
}

// GetStats calls GetStats.
func (c *Client) GetStats(ctx context.Context) (*GetStatsResponse, error) {
	return call(ctx, c.getStats, &GetStatsRequest{})
}

// ListBlocks calls ListBlocks.
func (c *Client) ListBlocks(ctx context.Context, req *ListBlocksRequest) (*ListBlocksResponse, error) {
	return call(ctx, c.listBlocks, req)
}

// Disasm calls Disasm.
func (c *Client) Disasm(ctx context.Context, block int) (string, error) {
	res, err := call(ctx, c.disasm, &DisasmRequest{Block: block})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// InvalidateAll calls InvalidateAll.
func (c *Client) InvalidateAll(ctx context.Context) (int, error) {
	res, err := call(ctx, c.invalidateAll, &InvalidateAllRequest{})
	if err != nil {
		return 0, err
	}
	return res.Retired, nil
}

// Send calls Send.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	return call(ctx, c.send, req)
}

func call[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	res, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
