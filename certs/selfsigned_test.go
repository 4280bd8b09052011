package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(14 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if x509Cert.Subject.CommonName != ALPNProtocol {
		t.Errorf("got CommonName %q, want %q", x509Cert.Subject.CommonName, ALPNProtocol)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > 14*24*time.Hour+2*time.Minute {
		t.Errorf("validity too long: %v", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}

	expectedFingerprint := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != expectedFingerprint {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity > 14*24*time.Hour+2*time.Minute {
		t.Errorf("validity should be capped at 14 days, got: %v", validity)
	}
}

// TestServerTLSConfigMatchesQUICSinkContract confirms ServerTLSConfig
// produces exactly the shape sink/quicsink.Sink.Start needs: one server
// certificate whose leaf parses and matches CertInfo.Fingerprint, advertised
// under ALPNProtocol, which also backs the certificate's own CommonName.
func TestServerTLSConfigMatchesQUICSinkContract(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0) // zero duration also falls back to the cap
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	tlsConf := cert.ServerTLSConfig()

	if len(tlsConf.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(tlsConf.Certificates))
	}
	if len(tlsConf.NextProtos) != 1 || tlsConf.NextProtos[0] != ALPNProtocol {
		t.Errorf("got NextProtos %v, want [%s]", tlsConf.NextProtos, ALPNProtocol)
	}

	leaf, err := x509.ParseCertificate(tlsConf.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse leaf from wired tls.Config: %v", err)
	}
	if leaf.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Error("leaf missing ExtKeyUsageServerAuth required for a QUIC/TLS server")
	}
	if leaf.Subject.CommonName != ALPNProtocol {
		t.Errorf("got CommonName %q, want %q", leaf.Subject.CommonName, ALPNProtocol)
	}

	fingerprint := sha256.Sum256(tlsConf.Certificates[0].Certificate[0])
	if fingerprint != cert.Fingerprint {
		t.Error("fingerprint of the wired certificate does not match CertInfo.Fingerprint")
	}
}
