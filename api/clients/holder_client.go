package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/tee-keysync/api"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
	"github.com/ruteri/tee-keysync/kms"
	"github.com/ruteri/tee-keysync/octagon"
)

// HolderClient is used by an escrow holder. Requests are signed with the
// holder's signing key; shares are decrypted locally and never sent in the
// clear to anyone but a recovering device.
type HolderClient struct {
	baseURL       string
	holderID      string
	signingKey    cryptoutils.AppPrivkey
	encryptionKey cryptoutils.AppPrivkey
	httpClient    *http.Client
}

// NewHolderClient creates a holder client. The holder id is derived from the
// signing key.
func NewHolderClient(baseURL string, signingKey, encryptionKey cryptoutils.AppPrivkey, timeout ...time.Duration) (*HolderClient, error) {
	pub, err := signingKey.PublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("invalid holder signing key: %w", err)
	}
	if err := encryptionKey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid holder encryption key: %w", err)
	}

	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &HolderClient{
		baseURL:       baseURL,
		holderID:      kms.HolderFingerprint(pub),
		signingKey:    signingKey,
		encryptionKey: encryptionKey,
		httpClient:    &http.Client{Timeout: clientTimeout},
	}, nil
}

// HolderID is the fingerprint the device knows this holder by.
func (c *HolderClient) HolderID() string {
	return c.holderID
}

// WithBaseURL returns a copy of the client talking to another device, such as
// the one being recovered.
func (c *HolderClient) WithBaseURL(baseURL string) *HolderClient {
	clone := *c
	clone.baseURL = baseURL
	return &clone
}

func (c *HolderClient) sign(req *http.Request, body []byte) error {
	return api.SignHolderRequest(req, c.holderID, c.signingKey, body)
}

// Escrow asks the device to escrow the zone's current TLK to its holders.
func (c *HolderClient) Escrow(ctx context.Context, zone interfaces.ZoneID) (*api.EscrowResponse, error) {
	var res api.EscrowResponse
	err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/escrow/"+url.PathEscape(string(zone)), nil, &res, c.sign)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenShare fetches this holder's sealed share of the zone's current TLK and
// decrypts and signs it for submission.
func (c *HolderClient) OpenShare(ctx context.Context, zone interfaces.ZoneID) (api.EscrowSubmission, error) {
	var sealed api.EscrowShare
	err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/escrow/"+url.PathEscape(string(zone))+"/share", nil, &sealed, c.sign)
	if err != nil {
		return api.EscrowSubmission{}, err
	}

	record, err := sealed.Record()
	if err != nil {
		return api.EscrowSubmission{}, err
	}
	opened, err := kms.OpenEscrowShare(record, c.encryptionKey, c.signingKey)
	if err != nil {
		return api.EscrowSubmission{}, err
	}
	return api.EscrowSubmission{
		Index:     opened.Index,
		Share:     opened.Share,
		Signature: opened.Signature,
		HolderKey: string(opened.HolderKey),
	}, nil
}

// BeginRecovery starts a recovery of the zone on the device at baseURL.
func (c *HolderClient) BeginRecovery(ctx context.Context, zone interfaces.ZoneID) (*octagon.RecoveryStatus, error) {
	var res octagon.RecoveryStatus
	err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/recovery/begin", api.RecoveryBeginRequest{Zone: string(zone)}, &res, c.sign)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Submit sends an opened share to a recovering device.
func (c *HolderClient) Submit(ctx context.Context, sub api.EscrowSubmission) (*api.RecoverySubmitResponse, error) {
	var res api.RecoverySubmitResponse
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/recovery/share", sub, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HolderClient) RecoveryStatus(ctx context.Context) (*octagon.RecoveryStatus, error) {
	var res octagon.RecoveryStatus
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/recovery/status", nil, &res, nil); err != nil {
		return nil, err
	}
	return &res, nil
}
