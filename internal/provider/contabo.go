package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
)

// ubuntuDesktopUserData installs a minimal desktop with xrdp on first boot.
const ubuntuDesktopUserData = `#cloud-config
packages:
  - ubuntu-desktop-minimal
  - xrdp
  - firefox

runcmd:
  - systemctl enable xrdp
  - systemctl start xrdp
  - ufw allow 3389
  - sed -i 's/^#*WaylandEnable=false/WaylandEnable=false/' /etc/gdm3/custom.conf
  - systemctl restart gdm3
`

// ContaboClient provisions Ubuntu desktop instances through the Contabo v1
// API. Authentication is an OAuth2 client-credentials exchange; the bearer
// token is cached per client instance until it expires or the vendor
// rejects it.
type ContaboClient struct {
	clientID       string
	clientSecret   string
	baseURL        string
	authURL        string
	region         string
	imageID        string
	simulatedDelay time.Duration
	httpClient     *http.Client
	logger         *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewContaboClient constructs a Contabo client from configuration.
func NewContaboClient(cfg config.Provider, logger *zap.Logger) *ContaboClient {
	return &ContaboClient{
		clientID:       cfg.Contabo.ClientID,
		clientSecret:   cfg.Contabo.ClientSecret,
		baseURL:        cfg.Contabo.BaseURL,
		authURL:        cfg.Contabo.AuthURL,
		region:         cfg.Contabo.Region,
		imageID:        cfg.Contabo.ImageID,
		simulatedDelay: cfg.SimulatedDelay,
		httpClient:     &http.Client{Timeout: cfg.Contabo.RequestTimeout},
		logger:         logger,
	}
}

// Name returns the provider name persisted on instance records.
func (c *ContaboClient) Name() string { return NameContabo }

func (c *ContaboClient) hasCredentials() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// contaboProduct maps a plan tier to a Contabo product id.
func contaboProduct(plan string) string {
	switch plan {
	case "performance":
		return "VPS-2-SSD-40"
	default:
		return "VPS-1-SSD-20"
	}
}

// bearer returns a valid cached token, exchanging credentials when the
// cache is empty or expired. The token never leaves the client.
func (c *ContaboClient) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("contabo token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Provider: NameContabo, Operation: "token", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return "", fmt.Errorf("decode contabo token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("contabo token response missing access_token")
	}

	c.token = tok.AccessToken
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	// Refresh a little early so in-flight calls never carry a stale token.
	c.tokenExpiry = time.Now().Add(lifetime - 30*time.Second)

	return c.token, nil
}

func (c *ContaboClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// authedDo performs an authenticated request, refreshing the token and
// retrying once if the vendor rejects the cached one.
func (c *ContaboClient) authedDo(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := build(token)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp.Body.Close()
	c.invalidateToken()

	token, err = c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	req, err = build(token)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// CreateInstance requests a new Ubuntu desktop VM. Contabo provisions
// asynchronously and typically assigns the address minutes later, so the
// result carries status provisioning with a pending address.
func (c *ContaboClient) CreateInstance(ctx context.Context, orderID string, osFamily entity.OSFamily, plan string) (*ProvisioningResult, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}

	if !c.hasCredentials() {
		c.logger.Warn("contabo credentials absent; returning synthetic instance", zap.String("order_id", orderID))
		if err := simulateDelay(ctx, c.simulatedDelay); err != nil {
			return nil, err
		}
		return &ProvisioningResult{
			ProviderID: "mock-contabo-" + orderID,
			IPAddress:  AddressPending,
			Username:   "ubuntu",
			Password:   "MockPassword123!",
			Status:     entity.StatusProvisioning,
		}, nil
	}

	payload := map[string]any{
		"imageId":     c.imageID,
		"productId":   contaboProduct(plan),
		"region":      c.region,
		"period":      1,
		"displayName": "nemordp-" + orderID,
		"defaultUser": "ubuntu",
		"userData":    ubuntuDesktopUserData,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.authedDo(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compute/instances", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-request-id", "create-"+orderID)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("contabo create request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, &Error{Provider: NameContabo, Operation: "create", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created struct {
		Data []struct {
			InstanceID json.Number `json:"instanceId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("decode contabo create response: %w", err)
	}
	if len(created.Data) == 0 {
		return nil, errors.New("contabo create response contained no instances")
	}

	providerID := created.Data[0].InstanceID.String()
	c.logger.Info("contabo instance requested",
		zap.String("order_id", orderID),
		zap.String("provider_id", providerID),
	)

	return &ProvisioningResult{
		ProviderID: providerID,
		IPAddress:  AddressPending,
		Username:   "ubuntu",
		Password:   "CheckEmailOrReset",
		Status:     entity.StatusProvisioning,
	}, nil
}

// PollUntilReady returns immediately with status provisioning. Contabo
// converges too slowly to poll inside a job's budget; callers must accept
// provisioning as a valid terminal outcome of this call. Instances left in
// that state are never promoted to active by this service. Credential
// fields stay empty so the create result's values survive.
func (c *ContaboClient) PollUntilReady(ctx context.Context, resourceID string) (*ProvisioningResult, error) {
	return &ProvisioningResult{
		ProviderID: resourceID,
		Status:     entity.StatusProvisioning,
	}, nil
}

// Reboot asks the vendor to restart the instance.
func (c *ContaboClient) Reboot(ctx context.Context, resourceID string) (bool, error) {
	if !c.hasCredentials() {
		return true, nil
	}
	return c.control(ctx, http.MethodPost, "/compute/instances/"+resourceID+"/actions/restart", "reboot", http.StatusCreated)
}

// Delete tears the instance down. A vendor 404 is treated as already
// deleted and reported as success.
func (c *ContaboClient) Delete(ctx context.Context, resourceID string) (bool, error) {
	if !c.hasCredentials() {
		return true, nil
	}
	return c.control(ctx, http.MethodDelete, "/compute/instances/"+resourceID, "delete", http.StatusNoContent)
}

func (c *ContaboClient) control(ctx context.Context, method, path, op string, wantStatus int) (bool, error) {
	resp, err := c.authedDo(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("x-request-id", op+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
		return req, nil
	})
	if err != nil {
		return false, fmt.Errorf("contabo %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == wantStatus || resp.StatusCode == http.StatusNotFound {
		return true, nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return false, &Error{Provider: NameContabo, Operation: op, StatusCode: resp.StatusCode, Body: string(respBody)}
}
