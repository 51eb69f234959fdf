package platform

import (
	"context"
	"fmt"

	"github.com/rackdesk/rackdesk/internal/models"
)

// MigrationStatus pulls the migration session snapshot, used for recovery.
func (c *Client) MigrationStatus(ctx context.Context) (*models.SessionState, error) {
	var state models.SessionState
	if err := c.GetJSON(ctx, "/migration/status", nil, &state); err != nil {
		return nil, err
	}
	if state.Status == "" {
		// A snapshot without a status is useless; treat it as absent.
		return nil, fmt.Errorf("migration status response missing status field")
	}
	return &state, nil
}

// ActiveDiscovery asks whether a discovery session is live server-side.
func (c *Client) ActiveDiscovery(ctx context.Context) (*models.ActiveDiscoveryResponse, error) {
	var resp models.ActiveDiscoveryResponse
	if err := c.GetJSON(ctx, "/discovery/active", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartDiscovery creates a new discovery session. An empty serverIDs list
// means "scan every VM host".
func (c *Client) StartDiscovery(ctx context.Context, serverIDs []string) (*models.StartDiscoveryResponse, error) {
	payload := struct {
		ServerIDs []string `json:"serverIds,omitempty"`
	}{ServerIDs: serverIDs}

	var resp models.StartDiscoveryResponse
	if err := c.PostJSON(ctx, "/discovery/start", payload, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("discovery start response missing session id")
	}
	return &resp, nil
}

// CancelDiscovery asks the controller to stop a running session.
func (c *Client) CancelDiscovery(ctx context.Context, sessionID string) error {
	return c.PostJSON(ctx, "/discovery/cancel/"+sessionID, nil, nil)
}
