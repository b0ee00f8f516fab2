// Package tlscheck reports on the certificate and negotiated parameters of a
// host's TLS endpoint.
package tlscheck

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/internal/config"
)

const Name = "tls"

// Report is the unit's fragment.
type Report struct {
	Address       string    `json:"address"`
	Version       string    `json:"version"`
	CipherSuite   string    `json:"cipher_suite"`
	Subject       string    `json:"subject"`
	Issuer        string    `json:"issuer"`
	DNSNames      []string  `json:"dns_names"`
	NotBefore     time.Time `json:"not_before"`
	NotAfter      time.Time `json:"not_after"`
	DaysRemaining int       `json:"days_remaining"`
	Expired       bool      `json:"expired"`
	SelfSigned    bool      `json:"self_signed"`
	Verified      bool      `json:"verified"`
	VerifyError   string    `json:"verify_error,omitempty"`
	WeakProtocol  bool      `json:"weak_protocol"`
}

// Unit dials the target and inspects the leaf certificate. Verification is
// done after the handshake so that invalid chains are reported instead of
// aborting the scan.
type Unit struct {
	port   int
	roots  *x509.CertPool
	now    func() time.Time
	logger *zap.Logger
}

func New(cfg config.TLSUnitConfig, logger *zap.Logger) *Unit {
	port := cfg.Port
	if port <= 0 {
		port = 443
	}
	return &Unit{
		port:   port,
		now:    time.Now,
		logger: logger.Named(Name),
	}
}

func (u *Unit) Name() string { return Name }

func (u *Unit) Run(ctx context.Context, target string, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	host, addr := u.address(target)
	dialer := &tls.Dialer{
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // chain is verified manually below
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("dialer returned a non-TLS connection")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%s presented no certificates", addr)
	}

	report := u.inspect(host, state)
	report.Address = addr
	u.logger.Debug("TLS endpoint inspected",
		zap.String("address", addr),
		zap.Bool("verified", report.Verified),
		zap.Int("days_remaining", report.DaysRemaining),
	)
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(report)
}

func (u *Unit) address(target string) (string, string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, net.JoinHostPort(target, strconv.Itoa(u.port))
	}
	return host, net.JoinHostPort(host, port)
}

func (u *Unit) inspect(host string, state tls.ConnectionState) Report {
	leaf := state.PeerCertificates[0]
	now := u.now()

	report := Report{
		Version:      tls.VersionName(state.Version),
		CipherSuite:  tls.CipherSuiteName(state.CipherSuite),
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		DNSNames:     leaf.DNSNames,
		NotBefore:    leaf.NotBefore.UTC(),
		NotAfter:     leaf.NotAfter.UTC(),
		Expired:      now.After(leaf.NotAfter),
		SelfSigned:   leaf.Subject.String() == leaf.Issuer.String(),
		WeakProtocol: state.Version < tls.VersionTLS12,
	}
	report.DaysRemaining = int(leaf.NotAfter.Sub(now).Hours() / 24)
	if report.DNSNames == nil {
		report.DNSNames = []string{}
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		DNSName:       host,
		Roots:         u.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	}
	if _, err := leaf.Verify(opts); err != nil {
		report.VerifyError = err.Error()
	} else {
		report.Verified = true
	}
	return report
}
