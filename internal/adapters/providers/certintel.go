package providers

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// CertIntelResult scores the TLS certificate presented by a host. Each
// finding contributes independently; the total stays in the 0..~3 range.
type CertIntelResult struct {
	Valid       bool     `json:"valid"`
	SelfSigned  bool     `json:"selfSigned"`
	Issuer      string   `json:"issuer,omitempty"`
	AgeDays     int      `json:"ageDays"`
	ExpiryDays  int      `json:"expiryDays"`
	SANCount    int      `json:"sanCount"`
	ChainValid  bool     `json:"chainValid"`
	CTPresent   bool     `json:"ctPresent"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
}

// CertIntel inspects the certificate a host serves on port 443, plus an
// optional Certificate Transparency presence check against crt.sh.
type CertIntel struct {
	enabled    bool
	ctEnabled  bool
	ctEndpoint string
	timeout    time.Duration
	client     *http.Client
	now        func() time.Time

	// fetchCert is injectable for tests.
	fetchCert func(ctx context.Context, hostname string) ([]*x509.Certificate, error)
}

func NewCertIntel(enabled, ctEnabled bool, timeout time.Duration, client *http.Client) *CertIntel {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &CertIntel{
		enabled:    enabled,
		ctEnabled:  ctEnabled,
		ctEndpoint: "https://crt.sh",
		timeout:    timeout,
		client:     client,
		now:        time.Now,
	}
	c.fetchCert = c.dialForCert
	return c
}

func (c *CertIntel) Enabled() bool { return c.enabled }

// Lookup expects a hostname. An unreachable TLS endpoint yields a mildly
// suspicious result rather than an error.
func (c *CertIntel) Lookup(ctx context.Context, hostname string) (CertIntelResult, error) {
	if !c.enabled {
		return CertIntelResult{}, ErrDisabled
	}

	certs, err := c.fetchCert(ctx, hostname)
	if err != nil || len(certs) == 0 {
		return CertIntelResult{
			Score:   0.5,
			Reasons: []string{"Unable to fetch certificate"},
		}, nil
	}
	leaf := certs[0]

	result := CertIntelResult{
		SelfSigned: leaf.Issuer.String() == leaf.Subject.String(),
		Issuer:     issuerName(leaf),
		AgeDays:    int(c.now().Sub(leaf.NotBefore).Hours() / 24),
		ExpiryDays: int(leaf.NotAfter.Sub(c.now()).Hours() / 24),
		SANCount:   len(leaf.DNSNames) + len(leaf.IPAddresses),
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, verifyErr := leaf.Verify(x509.VerifyOptions{
		DNSName:       hostname,
		Intermediates: intermediates,
		CurrentTime:   c.now(),
	})
	result.ChainValid = verifyErr == nil

	result.CTPresent = true
	if c.ctEnabled {
		result.CTPresent = c.checkCTLog(ctx, hostname)
	}

	if result.SelfSigned {
		result.Score += 0.8
		result.Reasons = append(result.Reasons, "Self-signed certificate")
	}
	switch {
	case result.AgeDays < 7:
		result.Score += 0.4
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("Certificate age < 7 days (%d days)", result.AgeDays))
	case result.AgeDays < 30:
		result.Score += 0.2
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("Certificate age < 30 days (%d days)", result.AgeDays))
	}
	if result.SANCount > 10 {
		result.Score += 0.3
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("Excessive SAN count (%d)", result.SANCount))
	}
	if !result.ChainValid {
		result.Score += 0.5
		result.Reasons = append(result.Reasons, "Invalid certificate chain")
	}
	if !result.CTPresent {
		result.Score += 0.3
		result.Reasons = append(result.Reasons, "Not found in Certificate Transparency logs")
	}
	if result.ExpiryDays < 0 {
		result.Score += 0.9
		result.Reasons = append(result.Reasons, "Certificate expired")
	}

	result.Valid = result.ExpiryDays >= 0 && !result.SelfSigned
	return result, nil
}

func (c *CertIntel) dialForCert(ctx context.Context, hostname string) ([]*x509.Certificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config: &tls.Config{
			ServerName: hostname,
			// Verification happens explicitly afterwards so that invalid
			// chains produce findings instead of connection errors.
			InsecureSkipVerify: true,
		},
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostname, "443"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.(*tls.Conn).ConnectionState().PeerCertificates, nil
}

func (c *CertIntel) checkCTLog(ctx context.Context, hostname string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.ctEndpoint+"/?q="+url.QueryEscape(hostname)+"&output=json", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return false
	}
	return len(entries) > 0
}

func issuerName(cert *x509.Certificate) string {
	if len(cert.Issuer.Organization) > 0 {
		return cert.Issuer.Organization[0]
	}
	return cert.Issuer.CommonName
}
