package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/octagon"
)

// APIError is a non-200 answer of a device API.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed with code %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known status codes back to the error taxonomy so callers
// can match them with errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return interfaces.ErrContentNotFound
	case http.StatusConflict:
		if e.Kind == interfaces.KindConflict.String() {
			return interfaces.ErrVersionConflict
		}
		return interfaces.ErrProtocolViolation
	case http.StatusForbidden:
		return interfaces.ErrUntrustedPeer
	case http.StatusLocked:
		return interfaces.ErrLocked
	case http.StatusServiceUnavailable:
		return interfaces.ErrBackendUnavailable
	case http.StatusGatewayTimeout:
		return interfaces.ErrTransitionTimeout
	default:
		return nil
	}
}

// DeviceClient talks to another device's HTTP API. It implements
// octagon.JoinTransport, so a joining device can run its initiator against a
// sponsor over the network.
type DeviceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDeviceClient creates a client for the device API at baseURL
// (e.g. "http://sponsor:8080").
func NewDeviceClient(baseURL string, timeout ...time.Duration) *DeviceClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &DeviceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *DeviceClient) do(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, c.httpClient, method, c.baseURL+path, body, out, nil)
}

// doJSON sends body as JSON and decodes a 200 answer into out. sign, when
// set, is called with the final request and its body.
func doJSON(ctx context.Context, client *http.Client, method, url string, body, out any, sign func(*http.Request, []byte) error) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sign != nil {
		if err := sign(req, reqBody); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", interfaces.ErrBackendUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		var parsed api.ErrorResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			apiErr.Kind = parsed.Kind
			apiErr.Message = parsed.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// KeySet returns the zone's current key set.
func (c *DeviceClient) KeySet(ctx context.Context, zone interfaces.ZoneID) (*api.KeySetResponse, error) {
	var res api.KeySetResponse
	if err := c.do(ctx, http.MethodGet, "/api/zones/"+url.PathEscape(string(zone))+"/keyset", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rotate rotates the zone's TLK on the device.
func (c *DeviceClient) Rotate(ctx context.Context, zone interfaces.ZoneID) (*api.KeySetResponse, error) {
	var res api.KeySetResponse
	if err := c.do(ctx, http.MethodPost, "/api/zones/"+url.PathEscape(string(zone))+"/rotate", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Shares returns the shares of the zone's current TLK addressed to peer.
func (c *DeviceClient) Shares(ctx context.Context, zone interfaces.ZoneID, peer interfaces.PeerID) ([]interfaces.TLKShare, error) {
	var wire []api.Share
	if err := c.do(ctx, http.MethodGet, "/api/zones/"+url.PathEscape(string(zone))+"/shares/"+string(peer), nil, &wire); err != nil {
		return nil, err
	}
	res := make([]interfaces.TLKShare, 0, len(wire))
	for _, s := range wire {
		share, err := s.TLKShare()
		if err != nil {
			return nil, err
		}
		res = append(res, share)
	}
	return res, nil
}

func (c *DeviceClient) Peers(ctx context.Context) ([]api.Peer, error) {
	var res []api.Peer
	if err := c.do(ctx, http.MethodGet, "/api/trust/peers", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *DeviceClient) TrustState(ctx context.Context) (*api.TrustStateResponse, error) {
	var res api.TrustStateResponse
	if err := c.do(ctx, http.MethodGet, "/api/trust/state", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequestEpoch asks the sponsor to begin a join.
func (c *DeviceClient) RequestEpoch(ctx context.Context, epoch uint64) (uint64, error) {
	var res api.EpochResponse
	if err := c.do(ctx, http.MethodPost, "/api/join/epoch", api.EpochRequest{Epoch: epoch}, &res); err != nil {
		return 0, err
	}
	return res.Epoch, nil
}

// SubmitIdentity sends the signed identity and returns the sponsor's voucher
// and shares. The result is verified by the initiator, not here.
func (c *DeviceClient) SubmitIdentity(ctx context.Context, identity interfaces.PeerIdentity) (*octagon.JoinResult, error) {
	var res api.JoinResponse
	if err := c.do(ctx, http.MethodPost, "/api/join/identity", api.NewIdentity(identity), &res); err != nil {
		return nil, err
	}
	return res.JoinResult()
}

var _ octagon.JoinTransport = (*DeviceClient)(nil)
