package platform

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rackdesk/rackdesk/internal/models"
)

// ValidateSetup asks the controller to pre-check the full draft, optionally
// probing reachability of every address in it.
func (c *Client) ValidateSetup(ctx context.Context, req models.BulkCreateRequest, checkConnectivity bool) (*models.ValidationResponse, error) {
	payload := struct {
		Resources         models.BulkCreateRequest `json:"resources"`
		CheckConnectivity bool                     `json:"checkConnectivity"`
	}{Resources: req, CheckConnectivity: checkConnectivity}

	var resp models.ValidationResponse
	if err := c.PostJSON(ctx, "/setup/validate", payload, &resp); err != nil {
		return nil, fmt.Errorf("validating setup: %w", err)
	}
	return &resp, nil
}

// BulkCreate commits the whole draft in one request. TempIDs come back in
// the id mapping.
func (c *Client) BulkCreate(ctx context.Context, req models.BulkCreateRequest) (*models.BulkCreateResponse, error) {
	var resp models.BulkCreateResponse
	if err := c.PostJSON(ctx, "/setup/bulk-create", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("bulk create rejected by controller")
	}
	return &resp, nil
}

// CheckIP asks whether an address is already claimed by a committed entity.
func (c *Client) CheckIP(ctx context.Context, value string) (*models.UniquenessResult, error) {
	var res models.UniquenessResult
	params := url.Values{"value": {value}}
	if err := c.GetJSON(ctx, "/validation/ip", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CheckName asks whether a name is already taken within a kind.
func (c *Client) CheckName(ctx context.Context, kind, value string) (*models.UniquenessResult, error) {
	var res models.UniquenessResult
	params := url.Values{"value": {value}, "type": {kind}}
	if err := c.GetJSON(ctx, "/validation/name", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
