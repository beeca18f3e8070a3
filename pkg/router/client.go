package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

// RouteRequest asks the routing service to compute execution data for a
// staged position
type RouteRequest struct {
	ChainID         uint64 `json:"chainId"`
	Vault           string `json:"vault"`
	Wallet          string `json:"wallet"`
	PositionID      uint64 `json:"positionId"`
	CollateralAsset string `json:"collateralAsset"`
	BorrowedAsset   string `json:"borrowedAsset"`
	Amount          string `json:"amount"`
	SlippageBps     uint16 `json:"slippageBps"`
}

// RouteResponse carries the execution payload the settlement transaction
// consumes
type RouteResponse struct {
	RouteID       string        `json:"routeId"`
	ExecutionData hexutil.Bytes `json:"executionData"`
	MinOut        string        `json:"minOut"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

type apiError struct {
	Message string      `json:"message"`
	Errors  interface{} `json:"errors"`
}

// Client wraps the routing/pricing service HTTP API
type Client struct {
	http *resty.Client
	log  *logrus.Entry
}

// NewClient creates a client for the routing service
func NewClient(baseURL, apiKey string, log *logrus.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		httpClient.SetAuthToken(apiKey)
	}

	return &Client{
		http: httpClient,
		log:  log.WithField("component", "router"),
	}
}

// ComputeRoute requests execution data for a staged position. The
// idempotency key is the same key the on-chain steps of the flow derive, so
// the service can deduplicate retried calls.
func (c *Client) ComputeRoute(ctx context.Context, idempotencyKey string, req *RouteRequest) (*RouteResponse, error) {
	var out RouteResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(req).
		SetResult(&out).
		Post("/v1/routes")
	if err != nil {
		return nil, fmt.Errorf("failed to reach routing service: %w", err)
	}

	if resp.IsError() {
		return nil, decodeAPIError(resp)
	}

	if len(out.ExecutionData) == 0 {
		return nil, fmt.Errorf("routing service returned an empty execution payload")
	}

	c.log.WithFields(logrus.Fields{
		"route":    out.RouteID,
		"position": req.PositionID,
	}).Info("route computed")

	return &out, nil
}

// decodeAPIError extracts the service's error message from the response body
func decodeAPIError(resp *resty.Response) error {
	body := resp.Body()
	if len(body) > 0 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil {
			if apiErr.Message != "" {
				return fmt.Errorf("routing API error (status %d): %s", resp.StatusCode(), apiErr.Message)
			}
			if apiErr.Errors != nil {
				return fmt.Errorf("routing API error (status %d): %v", resp.StatusCode(), apiErr.Errors)
			}
		}
		return fmt.Errorf("routing API error (status %d): %s", resp.StatusCode(), string(body))
	}
	return fmt.Errorf("routing API returned status %d", resp.StatusCode())
}
