// Package proxy implements a diagnostic backend that forwards every
// operation to an upstream SOVD server over HTTP. It lets supplier
// containers without bus access participate in a federation: their gateway
// registers a proxy child pointing at the server that owns the transport.
package proxy

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// Config declares a proxy backend.
type Config struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// UpstreamURL is the base URL of the upstream server
	// (e.g. "http://gateway:9266/vehicle/v1").
	UpstreamURL string `yaml:"upstream_url"`
	// Component is the upstream component id this proxy represents.
	Component string `yaml:"component"`
	// TimeoutMs bounds each upstream call (default 10000).
	TimeoutMs uint64 `yaml:"timeout_ms,omitempty"`
	// Token is an optional bearer token for the upstream server.
	Token string `yaml:"token,omitempty"`
}

// Proxy forwards the backend operation set to an upstream SOVD server.
type Proxy struct {
	sovd.Unsupported

	cfg    Config
	entity sovd.EntityInfo
	client *http.Client
}

// New creates a proxy backend.
func New(cfg Config) (*Proxy, error) {
	if cfg.UpstreamURL == "" || cfg.Component == "" {
		return nil, fmt.Errorf("proxy %s: upstream_url and component are required", cfg.ID)
	}
	timeout := 10 * time.Second
	if cfg.TimeoutMs != 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &Proxy{
		cfg: cfg,
		entity: sovd.EntityInfo{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Type:        "proxy",
			Description: cfg.Description,
			Href:        "/vehicle/v1/components/" + cfg.ID,
			Status:      "proxied",
		},
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *Proxy) EntityInfo() sovd.EntityInfo { return p.entity }

// Capabilities are fetched lazily from upstream; a dead upstream reports an
// empty set rather than failing discovery.
func (p *Proxy) Capabilities() sovd.Capabilities {
	var payload struct {
		Capabilities sovd.Capabilities `json:"capabilities"`
	}
	if err := p.get(context.Background(), "", &payload); err != nil {
		log.Warnf("[proxy %s] capabilities from upstream: %v", p.cfg.ID, err)
		return sovd.Capabilities{}
	}
	return payload.Capabilities
}

// url builds the upstream URL for a component-scoped path.
func (p *Proxy) url(path string) string {
	base := strings.TrimRight(p.cfg.UpstreamURL, "/")
	return base + "/components/" + p.cfg.Component + path
}

func (p *Proxy) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		if raw, ok := body.([]byte); ok {
			reader = bytes.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				return sovd.Internalf("proxy request encode: %v", err)
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.url(path), reader)
	if err != nil {
		return sovd.Internalf("proxy request: %v", err)
	}
	if body != nil {
		if _, ok := body.([]byte); ok {
			req.Header.Set("Content-Type", "application/octet-stream")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return sovd.TransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return upstreamError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return sovd.Protocolf("proxy response decode: %v", err)
	}
	return nil
}

func (p *Proxy) get(ctx context.Context, path string, out any) error {
	return p.do(ctx, http.MethodGet, path, nil, out)
}

// upstreamError converts an upstream error payload back into the local
// taxonomy using the status-code mapping in reverse.
func upstreamError(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return sovd.EntityNotFound(msg)
	case http.StatusBadRequest:
		return sovd.InvalidRequestf("%s", msg)
	case http.StatusForbidden:
		return sovd.SecurityRequired(0)
	case http.StatusPreconditionFailed:
		return sovd.SessionRequired(msg, 0, 0)
	case http.StatusConflict:
		return sovd.Busyf("%s", msg)
	case http.StatusTooManyRequests:
		return sovd.RateLimitedf("%s", msg)
	case http.StatusGatewayTimeout:
		return sovd.Timeout(msg)
	case http.StatusServiceUnavailable:
		return &sovd.Error{Kind: sovd.KindTransport, Msg: msg}
	case http.StatusBadGateway:
		return sovd.EcuError(0, 0, msg)
	case http.StatusNotImplemented:
		return sovd.NotSupported(msg)
	}
	return sovd.Internalf("upstream: %s", msg)
}

// =========================================================================
// Data access
// =========================================================================

func (p *Proxy) ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error) {
	var payload struct {
		Items []sovd.ParameterInfo `json:"items"`
	}
	if err := p.get(ctx, "/data", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) ReadData(ctx context.Context, paramIDs []string) ([]sovd.DataValue, error) {
	var payload struct {
		Items []sovd.DataValue `json:"items"`
	}
	query := "/data?ids=" + url.QueryEscape(strings.Join(paramIDs, ","))
	if err := p.get(ctx, query, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) WriteData(ctx context.Context, paramID string, value any) error {
	body := map[string]any{"value": value}
	return p.do(ctx, http.MethodPut, "/data/"+url.PathEscape(paramID), body, nil)
}

func (p *Proxy) ReadRawDID(ctx context.Context, did uint16) ([]byte, error) {
	var payload struct {
		Data string `json:"data"`
	}
	if err := p.get(ctx, fmt.Sprintf("/raw/0x%04X", did), &payload); err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(payload.Data)
	if err != nil {
		return nil, sovd.Protocolf("upstream raw data is not hex")
	}
	return data, nil
}

func (p *Proxy) WriteRawDID(ctx context.Context, did uint16, data []byte) error {
	body := map[string]any{"data": hex.EncodeToString(data)}
	return p.do(ctx, http.MethodPut, fmt.Sprintf("/raw/0x%04X", did), body, nil)
}

// =========================================================================
// Faults
// =========================================================================

func (p *Proxy) Faults(ctx context.Context, filter *sovd.FaultFilter) (*sovd.FaultsResult, error) {
	path := "/faults"
	if filter != nil {
		q := url.Values{}
		if filter.StatusMask != 0 {
			q.Set("status_mask", fmt.Sprintf("0x%02X", filter.StatusMask))
		}
		if filter.Category != "" {
			q.Set("category", filter.Category)
		}
		if filter.ActiveOnly {
			q.Set("active", "true")
		}
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}
	}
	var result sovd.FaultsResult
	if err := p.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Proxy) FaultDetail(ctx context.Context, faultID string) (*sovd.FaultDetail, error) {
	var detail sovd.FaultDetail
	if err := p.get(ctx, "/faults/"+url.PathEscape(faultID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (p *Proxy) ClearFaults(ctx context.Context, group uint32) (*sovd.ClearFaultsResult, error) {
	var result sovd.ClearFaultsResult
	path := "/faults"
	if group != 0 {
		path += "?group=" + strconv.FormatUint(uint64(group), 10)
	}
	if err := p.do(ctx, http.MethodDelete, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =========================================================================
// Operations and outputs
// =========================================================================

func (p *Proxy) ListOperations(ctx context.Context) ([]sovd.OperationInfo, error) {
	var payload struct {
		Items []sovd.OperationInfo `json:"items"`
	}
	if err := p.get(ctx, "/operations", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) StartOperation(ctx context.Context, operationID string, params []byte) (*sovd.OperationExecution, error) {
	body := map[string]any{"params": hex.EncodeToString(params)}
	var execution sovd.OperationExecution
	if err := p.do(ctx, http.MethodPost, "/operations/"+url.PathEscape(operationID), body, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (p *Proxy) OperationStatus(ctx context.Context, executionID string) (*sovd.OperationExecution, error) {
	var execution sovd.OperationExecution
	if err := p.get(ctx, "/executions/"+url.PathEscape(executionID), &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (p *Proxy) StopOperation(ctx context.Context, executionID string) (*sovd.OperationExecution, error) {
	var execution sovd.OperationExecution
	if err := p.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/stop", nil, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (p *Proxy) ListOutputs(ctx context.Context) ([]sovd.OutputInfo, error) {
	var payload struct {
		Items []sovd.OutputInfo `json:"items"`
	}
	if err := p.get(ctx, "/outputs", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) GetOutput(ctx context.Context, outputID string) (*sovd.OutputDetail, error) {
	var detail sovd.OutputDetail
	if err := p.get(ctx, "/outputs/"+url.PathEscape(outputID), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (p *Proxy) ControlOutput(ctx context.Context, outputID string, action sovd.IoControlAction, value any) (*sovd.IoControlResult, error) {
	body := map[string]any{"action": string(action)}
	if value != nil {
		body["value"] = value
	}
	var result sovd.IoControlResult
	if err := p.do(ctx, http.MethodPost, "/outputs/"+url.PathEscape(outputID), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// =========================================================================
// Modes and reset
// =========================================================================

func (p *Proxy) GetSessionMode(ctx context.Context) (*sovd.SessionMode, error) {
	var mode sovd.SessionMode
	if err := p.get(ctx, "/modes/session", &mode); err != nil {
		return nil, err
	}
	return &mode, nil
}

func (p *Proxy) SetSessionMode(ctx context.Context, sessionName string) (*sovd.SessionMode, error) {
	var mode sovd.SessionMode
	body := map[string]any{"session": sessionName}
	if err := p.do(ctx, http.MethodPut, "/modes/session", body, &mode); err != nil {
		return nil, err
	}
	return &mode, nil
}

func (p *Proxy) GetSecurityMode(ctx context.Context) (*sovd.SecurityMode, error) {
	var mode sovd.SecurityMode
	if err := p.get(ctx, "/modes/security", &mode); err != nil {
		return nil, err
	}
	return &mode, nil
}

func (p *Proxy) SetSecurityMode(ctx context.Context, value string, key []byte) (*sovd.SecurityMode, error) {
	body := map[string]any{"value": value}
	if len(key) > 0 {
		body["key"] = hex.EncodeToString(key)
	}
	var mode sovd.SecurityMode
	if err := p.do(ctx, http.MethodPut, "/modes/security", body, &mode); err != nil {
		return nil, err
	}
	return &mode, nil
}

func (p *Proxy) GetLinkMode(ctx context.Context) (*sovd.LinkMode, error) {
	var mode sovd.LinkMode
	if err := p.get(ctx, "/modes/link", &mode); err != nil {
		return nil, err
	}
	return &mode, nil
}

func (p *Proxy) SetLinkMode(ctx context.Context, action, baudRateID string, baudRate uint32) (*sovd.LinkControlResult, error) {
	body := map[string]any{"action": action}
	if baudRateID != "" {
		body["baud_rate_id"] = baudRateID
	}
	if baudRate != 0 {
		body["baud_rate"] = baudRate
	}
	var result sovd.LinkControlResult
	if err := p.do(ctx, http.MethodPut, "/modes/link", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Proxy) EcuReset(ctx context.Context, resetType byte) error {
	body := map[string]any{"type": resetType}
	return p.do(ctx, http.MethodPost, "/reset", body, nil)
}

// =========================================================================
// Packages, flash, software
// =========================================================================

func (p *Proxy) ReceivePackage(ctx context.Context, data []byte) (string, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/packages", data, &payload); err != nil {
		return "", err
	}
	return payload.ID, nil
}

func (p *Proxy) ListPackages(ctx context.Context) ([]sovd.PackageInfo, error) {
	var payload struct {
		Items []sovd.PackageInfo `json:"items"`
	}
	if err := p.get(ctx, "/packages", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) GetPackage(ctx context.Context, packageID string) (*sovd.PackageInfo, error) {
	var info sovd.PackageInfo
	if err := p.get(ctx, "/packages/"+url.PathEscape(packageID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (p *Proxy) VerifyPackage(ctx context.Context, packageID string) (*sovd.VerifyResult, error) {
	var result sovd.VerifyResult
	if err := p.do(ctx, http.MethodPost, "/packages/"+url.PathEscape(packageID)+"/verify", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Proxy) DeletePackage(ctx context.Context, packageID string) error {
	return p.do(ctx, http.MethodDelete, "/packages/"+url.PathEscape(packageID), nil, nil)
}

func (p *Proxy) StartFlash(ctx context.Context, packageID string) (string, error) {
	var payload struct {
		TransferID string `json:"transfer_id"`
	}
	body := map[string]any{"package_id": packageID}
	if err := p.do(ctx, http.MethodPost, "/flash", body, &payload); err != nil {
		return "", err
	}
	return payload.TransferID, nil
}

func (p *Proxy) GetFlashStatus(ctx context.Context, transferID string) (*sovd.FlashStatus, error) {
	var status sovd.FlashStatus
	if err := p.get(ctx, "/flash/"+url.PathEscape(transferID), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (p *Proxy) ListFlashTransfers(ctx context.Context) ([]sovd.FlashStatus, error) {
	var payload struct {
		Items []sovd.FlashStatus `json:"items"`
	}
	if err := p.get(ctx, "/flash", &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

func (p *Proxy) AbortFlash(ctx context.Context, transferID string) error {
	return p.do(ctx, http.MethodPost, "/flash/"+url.PathEscape(transferID)+"/abort", nil, nil)
}

func (p *Proxy) FinalizeFlash(ctx context.Context) error {
	return p.do(ctx, http.MethodPost, "/flash/finalize", nil, nil)
}

func (p *Proxy) CommitFlash(ctx context.Context) error {
	return p.do(ctx, http.MethodPost, "/flash/commit", nil, nil)
}

func (p *Proxy) RollbackFlash(ctx context.Context) error {
	return p.do(ctx, http.MethodPost, "/flash/rollback", nil, nil)
}

func (p *Proxy) GetActivationState(ctx context.Context) (*sovd.ActivationState, error) {
	var state sovd.ActivationState
	if err := p.get(ctx, "/flash/activation", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *Proxy) GetSoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error) {
	var info sovd.SoftwareInfo
	if err := p.get(ctx, "/software", &info); err != nil {
		return nil, err
	}
	return &info, nil
}
