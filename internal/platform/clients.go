// Package platform holds thin HTTP clients for the internal platform
// services the pipeline consults: trading enforcement, symbol tradability,
// the decision engine, and the asset-universe syncer.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oakline/orderflow/internal/pipeline"
)

// Config holds the platform service endpoints.
type Config struct {
	EnforcementURL string
	TradabilityURL string
	DecisionURL    string
	UniverseURL    string
	Timeout        time.Duration
}

// Client talks to the platform services.
type Client struct {
	cfg    *Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a platform client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// CanTradeSymbol asks the enforcement service whether the symbol may be traded.
func (c *Client) CanTradeSymbol(ctx context.Context, symbol, traceID string) (pipeline.EligibilityResult, error) {
	var res pipeline.EligibilityResult
	endpoint := fmt.Sprintf("%s/v1/enforcement/symbols/%s", c.cfg.EnforcementURL, url.PathEscape(symbol))
	if traceID != "" {
		endpoint += "?traceId=" + url.QueryEscape(traceID)
	}
	if err := c.getJSON(ctx, endpoint, &res); err != nil {
		return pipeline.EligibilityResult{}, fmt.Errorf("enforcement check failed: %w", err)
	}
	return res, nil
}

// ValidateSymbolTradable asks the tradability service about universe membership.
func (c *Client) ValidateSymbolTradable(ctx context.Context, symbol string) (pipeline.TradabilityResult, error) {
	var res pipeline.TradabilityResult
	endpoint := fmt.Sprintf("%s/v1/tradability/symbols/%s", c.cfg.TradabilityURL, url.PathEscape(symbol))
	if err := c.getJSON(ctx, endpoint, &res); err != nil {
		return pipeline.TradabilityResult{}, fmt.Errorf("tradability check failed: %w", err)
	}
	return res, nil
}

// EvaluateDecision runs one decision-engine evaluation and returns the raw verdict.
func (c *Client) EvaluateDecision(ctx context.Context, traceID string) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]string{"traceId": traceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.DecisionURL+"/v1/decisions/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build decision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decision request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("decision service returned %d: %s", resp.StatusCode, string(data))
	}
	return json.RawMessage(data), nil
}

// SyncUniverse triggers one asset-universe refresh on the universe service.
func (c *Client) SyncUniverse(ctx context.Context, assetClass string) (pipeline.UniverseSyncReport, error) {
	body, _ := json.Marshal(map[string]string{"assetClass": assetClass})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UniverseURL+"/v1/universe/sync", bytes.NewReader(body))
	if err != nil {
		return pipeline.UniverseSyncReport{}, fmt.Errorf("failed to build universe sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.UniverseSyncReport{}, fmt.Errorf("universe sync request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.UniverseSyncReport{}, fmt.Errorf("failed to read universe sync response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.UniverseSyncReport{}, fmt.Errorf("universe service returned %d: %s", resp.StatusCode, string(data))
	}

	var report pipeline.UniverseSyncReport
	if err := json.Unmarshal(data, &report); err != nil {
		return pipeline.UniverseSyncReport{}, fmt.Errorf("failed to decode universe sync report: %w", err)
	}
	return report, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
