package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/diwise/fleet-mgmt/pkg/types"
)

var tracer = otel.Tracer("fleet-mgmt-client")

// FleetClient is a thin consumer of the fleet management api, used by
// other services that need device lookups or want to issue commands.
type FleetClient interface {
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
	QueryDevices(ctx context.Context) ([]types.Device, error)
	EnqueueCommand(ctx context.Context, deviceID, commandType string, params json.RawMessage) (types.Command, error)
	CommandHistory(ctx context.Context, deviceID string, limit int) ([]types.Command, error)
	StartCameraSession(ctx context.Context, deviceID string) (string, error)
	StopCameraSession(ctx context.Context, sessionToken string) error
}

type fleetClient struct {
	url       string
	principal types.Principal
}

func New(url string, principal types.Principal) FleetClient {
	return &fleetClient{
		url:       url,
		principal: principal,
	}
}

func (c *fleetClient) do(ctx context.Context, method, path string, body []byte, expect int, out any) error {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("X-Tenant", c.principal.Tenant)
	if c.principal.Admin {
		req.Header.Set("X-Admin", "true")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expect {
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

func (c *fleetClient) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var device types.Device
	err = c.do(ctx, http.MethodGet, "/api/v0/devices/"+deviceID, nil, http.StatusOK, &device)
	if err != nil {
		return types.Device{}, err
	}

	return device, nil
}

func (c *fleetClient) QueryDevices(ctx context.Context) ([]types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "query-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var result types.Collection[types.Device]
	err = c.do(ctx, http.MethodGet, "/api/v0/devices", nil, http.StatusOK, &result)
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (c *fleetClient) EnqueueCommand(ctx context.Context, deviceID, commandType string, params json.RawMessage) (types.Command, error) {
	var err error
	ctx, span := tracer.Start(ctx, "enqueue-command")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(struct {
		Type   string          `json:"type"`
		Params json.RawMessage `json:"params,omitempty"`
	}{Type: commandType, Params: params})
	if err != nil {
		return types.Command{}, err
	}

	var command types.Command
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v0/devices/%s/commands", deviceID), body, http.StatusCreated, &command)
	if err != nil {
		return types.Command{}, err
	}

	return command, nil
}

func (c *fleetClient) CommandHistory(ctx context.Context, deviceID string, limit int) ([]types.Command, error) {
	var err error
	ctx, span := tracer.Start(ctx, "command-history")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := fmt.Sprintf("/api/v0/devices/%s/commands", deviceID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var result types.Collection[types.Command]
	err = c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &result)
	if err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (c *fleetClient) StartCameraSession(ctx context.Context, deviceID string) (string, error) {
	var err error
	ctx, span := tracer.Start(ctx, "start-camera-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var session struct {
		SessionToken string `json:"sessionToken"`
	}
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v0/devices/%s/camera", deviceID), nil, http.StatusCreated, &session)
	if err != nil {
		return "", err
	}

	return session.SessionToken, nil
}

func (c *fleetClient) StopCameraSession(ctx context.Context, sessionToken string) error {
	var err error
	ctx, span := tracer.Start(ctx, "stop-camera-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodDelete, "/api/v0/camera/"+sessionToken, nil, http.StatusNoContent, nil)
	return err
}
