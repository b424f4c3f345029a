package peers

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-keysync/cryptoutils"
	"github.com/ruteri/tee-keysync/interfaces"
)

const txtVersion = "keysync1"

// DNSProvider reads the trusted peer set from TXT records published under a
// single name. Each TXT record describes one peer:
//
//	v=keysync1 id=<peer id> epoch=<n> trusted=<0|1> sig=<base64 DER> enc=<base64 DER>
//
// Records whose id does not match the signing key are ignored.
type DNSProvider struct {
	qname   string
	server  string
	timeout time.Duration
	log     *slog.Logger
}

// NewDNSProvider queries qname at server (host:port).
func NewDNSProvider(qname, server string, log *slog.Logger) *DNSProvider {
	return &DNSProvider{
		qname:   dns.Fqdn(qname),
		server:  server,
		timeout: 5 * time.Second,
		log:     log,
	}
}

func (p *DNSProvider) Name() string {
	return "dns:" + p.qname
}

func (p *DNSProvider) CurrentTrustStates(ctx context.Context) ([]interfaces.PeerProviderState, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(p.qname, dns.TypeTXT)
	msg.SetEdns0(dns.DefaultMsgSize, false)

	udpClient := &dns.Client{Net: "udp", Timeout: p.timeout}
	resp, _, err := udpClient.ExchangeContext(ctx, msg, p.server)
	if err != nil {
		return nil, fmt.Errorf("%w: TXT query for %s: %v", interfaces.ErrBackendUnavailable, p.qname, err)
	}

	if resp.Truncated {
		p.log.Debug("TXT response truncated, retrying with TCP", slog.String("qname", p.qname))
		tcpClient := &dns.Client{Net: "tcp", Timeout: p.timeout}
		resp, _, err = tcpClient.ExchangeContext(ctx, msg, p.server)
		if err != nil {
			return nil, fmt.Errorf("%w: TXT query over TCP for %s: %v", interfaces.ErrBackendUnavailable, p.qname, err)
		}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("TXT query for %s returned rcode %s", p.qname, dns.RcodeToString[resp.Rcode])
	}

	var peers []interfaces.PeerProviderState
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		peer, err := ParseTXT(strings.Join(txt.Txt, ""))
		if err != nil {
			p.log.Warn("Ignoring malformed peer TXT record", slog.String("qname", p.qname), "err", err)
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// ParseTXT parses the content of one peer TXT record.
func ParseTXT(content string) (interfaces.PeerProviderState, error) {
	fields := make(map[string]string)
	for _, kv := range strings.Fields(content) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return interfaces.PeerProviderState{}, fmt.Errorf("malformed field %q", kv)
		}
		fields[k] = v
	}

	if fields["v"] != txtVersion {
		return interfaces.PeerProviderState{}, fmt.Errorf("unsupported version %q", fields["v"])
	}

	epoch, err := strconv.ParseUint(fields["epoch"], 10, 64)
	if err != nil {
		return interfaces.PeerProviderState{}, fmt.Errorf("invalid epoch: %w", err)
	}

	signingKey, err := derToPEM(fields["sig"])
	if err != nil {
		return interfaces.PeerProviderState{}, fmt.Errorf("invalid signing key: %w", err)
	}
	encryptionKey, err := derToPEM(fields["enc"])
	if err != nil {
		return interfaces.PeerProviderState{}, fmt.Errorf("invalid encryption key: %w", err)
	}

	derived, err := cryptoutils.PeerIDFromSigningKey(signingKey)
	if err != nil {
		return interfaces.PeerProviderState{}, err
	}
	if string(derived) != fields["id"] {
		return interfaces.PeerProviderState{}, fmt.Errorf("peer id %q does not match signing key", fields["id"])
	}

	return interfaces.PeerProviderState{
		PeerID:     derived,
		PublicKey:  encryptionKey,
		SigningKey: signingKey,
		Trusted:    fields["trusted"] == "1",
		Epoch:      epoch,
	}, nil
}

// FormatTXT renders a peer as TXT character strings of at most 255 bytes.
func FormatTXT(peer interfaces.PeerProviderState) ([]string, error) {
	sig, err := pemToDER(peer.SigningKey)
	if err != nil {
		return nil, err
	}
	enc, err := pemToDER(peer.PublicKey)
	if err != nil {
		return nil, err
	}

	trusted := "0"
	if peer.Trusted {
		trusted = "1"
	}
	content := fmt.Sprintf("v=%s id=%s epoch=%d trusted=%s sig=%s enc=%s",
		txtVersion, peer.PeerID, peer.Epoch, trusted, sig, enc)

	var chunks []string
	for len(content) > 255 {
		chunks = append(chunks, content[:255])
		content = content[255:]
	}
	return append(chunks, content), nil
}

func derToPEM(b64 string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func pemToDER(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", fmt.Errorf("invalid PEM public key")
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), nil
}
