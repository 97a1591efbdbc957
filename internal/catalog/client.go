package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CatalogRequest asks the catalog for the newest firmware of a component.
type CatalogRequest struct {
	ClientID              string `json:"clientId"`
	VendorID              string `json:"vendorId"`
	ProductID             string `json:"productId"`
	ModuleID              string `json:"moduleId,omitempty"`
	CurrentVersion        string `json:"currentVersion"`
	TagVersion            string `json:"tagVersion"`
	ObfuscatedComponentID string `json:"obfuscatedComponentId"`
	Platform              string `json:"platform"`
	CountryCode           string `json:"countryCode"`
	SDKVersion            string `json:"sdkVersion"`
}

// CatalogResponse is the catalog's answer.
type CatalogResponse struct {
	Version     string        `json:"version"`
	DfuStatus   UpgradeStatus `json:"dfuStatus"`
	DownloadURL string        `json:"downloadUrl"`
	VendorID    string        `json:"vendorId"`
	ProductID   string        `json:"productId"`
	ModuleID    string        `json:"moduleId,omitempty"`
}

// CatalogClient queries the remote update catalog.
type CatalogClient interface {
	Lookup(ctx context.Context, req *CatalogRequest) (*CatalogResponse, error)
}

var _ CatalogClient = (*HTTPCatalogClient)(nil)

// HTTPCatalogClient posts lookups as JSON to {BaseURL}/v1/firmware/check.
type HTTPCatalogClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalogClient returns a client for the catalog at baseURL.
func NewHTTPCatalogClient(baseURL string, timeout time.Duration) *HTTPCatalogClient {
	return &HTTPCatalogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCatalogClient) Lookup(ctx context.Context, req *CatalogRequest) (*CatalogResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/firmware/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog lookup: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: catalog returned %s: %s", ErrNetwork, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out CatalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode catalog response: %w", ErrNetwork, err)
	}
	return &out, nil
}
