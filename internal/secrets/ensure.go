package secrets

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 5 * 365 * 24 * time.Hour
)

// Ensure creates every secret the cluster needs under dir, skipping any
// that already exist. It is safe to re-run: existing material is never
// touched, only gaps are filled. A certificate whose private key is missing
// (or vice versa) is a SecretError since the pair cannot be re-derived
// without invalidating material already deployed.
func Ensure(dir string, cluster *config.Cluster) error {
	appCA, err := ensureCA(filepath.Join(dir, applicationDir), "kld CA")
	if err != nil {
		return err
	}
	dbCA, err := ensureCA(filepath.Join(dir, databaseDir), "cockroachdb CA")
	if err != nil {
		return err
	}

	for i := range cluster.Hosts {
		host := &cluster.Hosts[i]
		switch host.Role {
		case config.RoleApplication:
			err = ensureLeaf(filepath.Join(dir, applicationDir), host.Name, appCA, leafRequest{
				commonName: host.Name,
				dnsNames:   hostDNSNames(host),
				addresses:  hostIPs(host),
				client:     true,
				server:     true,
			})
		case config.RoleDatabase:
			err = ensureLeaf(filepath.Join(dir, databaseDir), host.Name+".node", dbCA, leafRequest{
				commonName: "node",
				dnsNames:   hostDNSNames(host),
				addresses:  hostIPs(host),
				client:     true,
				server:     true,
			})
		}
		if err != nil {
			return err
		}
		if err := ensureSSHHostKey(filepath.Join(dir, sshDir), host.Name); err != nil {
			return err
		}
	}

	for _, client := range []string{"root", "kld"} {
		err := ensureLeaf(filepath.Join(dir, databaseDir), "client."+client, dbCA, leafRequest{
			commonName: client,
			client:     true,
		})
		if err != nil {
			return err
		}
	}

	return ensureDiskKey(DiskKeyPath(dir))
}

type caPair struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

type leafRequest struct {
	commonName string
	dnsNames   []string
	addresses  []net.IP
	client     bool
	server     bool
}

func ensureCA(dir, commonName string) (*caPair, error) {
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca.key")

	state, err := pairState(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if state == pairPresent {
		return loadCA(certPath, keyPath)
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}
	if err := writeCertAndKey(certPath, keyPath, der, key); err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &caPair{cert: cert, key: key}, nil
}

func ensureLeaf(dir, name string, ca *caPair, req leafRequest) error {
	certPath := filepath.Join(dir, name+".pem")
	keyPath := filepath.Join(dir, name+".key")

	state, err := pairState(certPath, keyPath)
	if err != nil {
		return err
	}
	if state == pairPresent {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key for %s: %w", name, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	var usage []x509.ExtKeyUsage
	if req.client {
		usage = append(usage, x509.ExtKeyUsageClientAuth)
	}
	if req.server {
		usage = append(usage, x509.ExtKeyUsageServerAuth)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: req.commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usage,
		DNSNames:     req.dnsNames,
		IPAddresses:  req.addresses,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return fmt.Errorf("failed to sign certificate for %s: %w", name, err)
	}
	return writeCertAndKey(certPath, keyPath, der, key)
}

func ensureSSHHostKey(dir, name string) error {
	keyPath := filepath.Join(dir, name)
	pubPath := keyPath + ".pub"

	state, err := pairState(keyPath, pubPath)
	if err != nil {
		return err
	}
	if state == pairPresent {
		return nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate SSH host key for %s: %w", name, err)
	}
	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return fmt.Errorf("failed to marshal SSH host key for %s: %w", name, err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key for %s: %w", name, err)
	}
	if err := writeSecret(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	return writeSecret(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0o644)
}

func ensureDiskKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return &SecretError{Path: path, Reason: err.Error()}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate disk encryption key: %w", err)
	}
	return writeSecret(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600)
}

type pairPresence int

const (
	pairAbsent pairPresence = iota
	pairPresent
)

// pairState reports whether both halves of a key pair exist. Exactly one
// half present is unrecoverable and surfaces as a SecretError.
func pairState(a, b string) (pairPresence, error) {
	_, errA := os.Stat(a)
	_, errB := os.Stat(b)
	switch {
	case errA == nil && errB == nil:
		return pairPresent, nil
	case errors.Is(errA, os.ErrNotExist) && errors.Is(errB, os.ErrNotExist):
		return pairAbsent, nil
	case errA == nil:
		return 0, &SecretError{Path: b, Reason: fmt.Sprintf("missing while %s exists, refusing to regenerate the pair", a)}
	case errB == nil:
		return 0, &SecretError{Path: a, Reason: fmt.Sprintf("missing while %s exists, refusing to regenerate the pair", b)}
	case errA != nil && !errors.Is(errA, os.ErrNotExist):
		return 0, &SecretError{Path: a, Reason: errA.Error()}
	default:
		return 0, &SecretError{Path: b, Reason: errB.Error()}
	}
}

func loadCA(certPath, keyPath string) (*caPair, error) {
	certPEM, err := readSecret(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := readSecret(keyPath)
	if err != nil {
		return nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, &SecretError{Path: certPath, Reason: "not a PEM-encoded certificate"}
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, &SecretError{Path: certPath, Reason: err.Error()}
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, &SecretError{Path: keyPath, Reason: "not a PEM-encoded private key"}
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, &SecretError{Path: keyPath, Reason: err.Error()}
	}
	return &caPair{cert: cert, key: key}, nil
}

func writeCertAndKey(certPath, keyPath string, der []byte, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := writeSecret(certPath, certPEM, 0o644); err != nil {
		return err
	}
	return writeSecret(keyPath, keyPEM, 0o600)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}
	return serial, nil
}

func hostDNSNames(host *config.HostSpec) []string {
	names := []string{"localhost", host.Name}
	if host.NodeAlias != "" && host.NodeAlias != host.Name {
		names = append(names, host.NodeAlias)
	}
	return names
}

func hostIPs(host *config.HostSpec) []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	if host.IPv4 != nil {
		ips = append(ips, host.IPv4.Address.AsSlice())
	}
	if host.IPv6 != nil {
		ips = append(ips, host.IPv6.Address.AsSlice())
	}
	return ips
}

func readSecret(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &SecretError{Path: path, Reason: "missing, run generate-config first"}
		}
		return nil, &SecretError{Path: path, Reason: err.Error()}
	}
	return content, nil
}

func writeSecret(path string, content []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
