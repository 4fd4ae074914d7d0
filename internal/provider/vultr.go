package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
)

// VultrClient provisions Windows Server instances through the Vultr v2 API.
// Authentication is a static bearer token.
type VultrClient struct {
	apiKey         string
	baseURL        string
	region         string
	osID           int
	pollInterval   time.Duration
	pollMax        int
	simulatedDelay time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewVultrClient constructs a Vultr client from configuration.
func NewVultrClient(cfg config.Provider, logger *zap.Logger) *VultrClient {
	return &VultrClient{
		apiKey:         cfg.Vultr.APIKey,
		baseURL:        cfg.Vultr.BaseURL,
		region:         cfg.Vultr.Region,
		osID:           cfg.Vultr.OSID,
		pollInterval:   cfg.Vultr.PollInterval,
		pollMax:        cfg.Vultr.PollMaxAttempts,
		simulatedDelay: cfg.SimulatedDelay,
		httpClient:     &http.Client{Timeout: cfg.Vultr.RequestTimeout},
		logger:         logger,
	}
}

// Name returns the provider name persisted on instance records.
func (c *VultrClient) Name() string { return NameVultr }

// vultrPlan maps a plan tier to a Vultr plan id.
func vultrPlan(plan string) string {
	switch plan {
	case "performance":
		return "vc2-4c-8gb"
	default:
		return "vc2-2c-4gb"
	}
}

type vultrInstance struct {
	ID              string `json:"id"`
	MainIP          string `json:"main_ip"`
	ServerStatus    string `json:"server_status"`
	DefaultPassword string `json:"default_password"`
}

// CreateInstance requests a new Windows Server VM. The vendor acknowledges
// with 202 and provisions asynchronously; the caller polls for readiness.
func (c *VultrClient) CreateInstance(ctx context.Context, orderID string, osFamily entity.OSFamily, plan string) (*ProvisioningResult, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}

	if c.apiKey == "" {
		c.logger.Warn("vultr credentials absent; returning synthetic instance", zap.String("order_id", orderID))
		if err := simulateDelay(ctx, c.simulatedDelay); err != nil {
			return nil, err
		}
		return &ProvisioningResult{
			ProviderID: "mock-vultr-" + orderID,
			IPAddress:  "192.168.1.100",
			Username:   "Administrator",
			Password:   "MockPassword123!",
			Status:     entity.StatusActive,
		}, nil
	}

	label := "nemordp-" + orderID
	payload := map[string]any{
		"region":          c.region,
		"plan":            vultrPlan(plan),
		"os_id":           c.osID,
		"label":           label,
		"hostname":        label,
		"enable_ipv6":     false,
		"backups":         "disabled",
		"ddos_protection": false,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/instances", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vultr create request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return nil, &Error{Provider: NameVultr, Operation: "create", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("decode vultr create response: %w", err)
	}

	c.logger.Info("vultr instance requested",
		zap.String("order_id", orderID),
		zap.String("provider_id", created.Instance.ID),
	)

	return &ProvisioningResult{
		ProviderID: created.Instance.ID,
		IPAddress:  AddressUnassigned,
		Username:   "Administrator",
		Status:     entity.StatusProvisioning,
	}, nil
}

// PollUntilReady blocks the calling worker, re-checking vendor status on a
// fixed interval until the instance reports ok with a real address or the
// attempt budget runs out. An unassigned address never counts as ready.
func (c *VultrClient) PollUntilReady(ctx context.Context, resourceID string) (*ProvisioningResult, error) {
	for attempt := 0; attempt < c.pollMax; attempt++ {
		inst, err := c.getInstance(ctx, resourceID)
		if err == nil && inst.ServerStatus == "ok" && AddressAssigned(inst.MainIP) {
			return &ProvisioningResult{
				ProviderID: resourceID,
				IPAddress:  inst.MainIP,
				Username:   "Administrator",
				Password:   inst.DefaultPassword,
				Status:     entity.StatusActive,
			}, nil
		}
		if err != nil {
			c.logger.Debug("vultr status check failed", zap.String("provider_id", resourceID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, ErrProvisioningTimeout
}

func (c *VultrClient) getInstance(ctx context.Context, resourceID string) (*vultrInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances/"+resourceID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Provider: NameVultr, Operation: "status", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var wrapped struct {
		Instance vultrInstance `json:"instance"`
	}
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return nil, err
	}
	return &wrapped.Instance, nil
}

// Reboot asks the vendor to restart the instance. Fire and forget.
func (c *VultrClient) Reboot(ctx context.Context, resourceID string) (bool, error) {
	if c.apiKey == "" {
		return true, nil
	}
	return c.control(ctx, http.MethodPost, "/instances/"+resourceID+"/reboot", "reboot")
}

// Delete tears the instance down. A vendor 404 is treated as already
// deleted and reported as success.
func (c *VultrClient) Delete(ctx context.Context, resourceID string) (bool, error) {
	if c.apiKey == "" {
		return true, nil
	}
	return c.control(ctx, http.MethodDelete, "/instances/"+resourceID, "delete")
}

func (c *VultrClient) control(ctx context.Context, method, path, op string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("vultr %s request: %w", op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		// Already gone; success-equivalent for idempotent teardown.
		return true, nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return false, &Error{Provider: NameVultr, Operation: op, StatusCode: resp.StatusCode, Body: string(respBody)}
}

func simulateDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
