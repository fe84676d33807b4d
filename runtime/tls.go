package runtime

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

/*
	When TLS paths are configured but neither file exists yet, a fresh
	install can still come up encrypted: we mint a self signed pair at
	those paths. Anything already on disk is left alone, and a half
	present pair is refused rather than silently replaced.
*/

func (r *Runtime) ensureTLSMaterial() error {
	certPath := r.cfg.TLS.Cert
	keyPath := r.cfg.TLS.Key

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}
	if certErr == nil || keyErr == nil {
		return fmt.Errorf("TLS material is half present (cert: %s, key: %s), refusing to overwrite", certPath, keyPath)
	}
	if !os.IsNotExist(certErr) {
		return fmt.Errorf("failed to stat TLS cert %s: %w", certPath, certErr)
	}
	if !os.IsNotExist(keyErr) {
		return fmt.Errorf("failed to stat TLS key %s: %w", keyPath, keyErr)
	}

	r.logger.Info("Generating self-signed TLS material", "cert", certPath, "key", keyPath)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(10, 0, 0)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"[ S Y N A P - L O C A L ]"},
			CommonName:   "synapd",
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	// The certificate must cover every name clients may dial, so the
	// binding and client domain go in alongside the localhost defaults.
	template.DNSNames = []string{"localhost"}
	template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

	addHost := func(hostPort string) {
		if hostPort == "" {
			return
		}
		host, _, err := net.SplitHostPort(hostPort)
		if err != nil {
			host = hostPort
		}
		if host == "" {
			return
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	addHost(r.cfg.HttpBinding)
	addHost(r.cfg.ClientDomain)

	template.IPAddresses = dedupeIPs(template.IPAddresses)
	template.DNSNames = dedupeStrings(template.DNSNames)

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	for _, path := range []string{certPath, keyPath} {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", path, err)
			}
		}
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return fmt.Errorf("failed to write certificate to %s: %w", certPath, err)
	}
	r.logger.Info("Generated TLS certificate", "path", certPath)

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", keyPath, err)
	}
	defer keyOut.Close()
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("failed to write key to %s: %w", keyPath, err)
	}
	r.logger.Info("Generated TLS key", "path", keyPath)

	return nil
}

func dedupeIPs(ips []net.IP) []net.IP {
	seen := make(map[string]bool, len(ips))
	result := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip == nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		result = append(result, ip)
	}
	return result
}

func dedupeStrings(s []string) []string {
	seen := make(map[string]bool, len(s))
	result := make([]string, 0, len(s))
	for _, item := range s {
		if seen[item] {
			continue
		}
		seen[item] = true
		result = append(result, item)
	}
	return result
}
