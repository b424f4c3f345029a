package api

import (
	"encoding/base64"
	"net/http"

	"github.com/ruteri/tee-keysync/cryptoutils"
)

// Escrow holders authenticate requests with these headers. The signature
// covers the request path followed by the body.
const (
	HeaderHolderID        = "X-Holder-ID"
	HeaderHolderSignature = "X-Holder-Signature"
)

// HolderRequestPayload is the message a holder signs for a request.
func HolderRequestPayload(path string, body []byte) []byte {
	return append([]byte(path), body...)
}

// SignHolderRequest sets the holder authentication headers on req. body must
// be the exact request body.
func SignHolderRequest(req *http.Request, holderID string, signingKey cryptoutils.AppPrivkey, body []byte) error {
	sig, err := cryptoutils.Sign(signingKey, HolderRequestPayload(req.URL.Path, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderHolderID, holderID)
	req.Header.Set(HeaderHolderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}
