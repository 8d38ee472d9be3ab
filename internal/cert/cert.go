package cert

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

const defaultKeySize = 2048

var (
	ErrInvalidPEM         = errors.New("invalid pem data")
	ErrUnsupportedKeyType = errors.New("unsupported private key type")
)

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 64)

func GeneratePrivateKey() (*rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, defaultKeySize)
	if err != nil {
		return nil, err
	}
	if err = privateKey.Validate(); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// DecodeDER returns the DER bytes of the first PEM block in data, or data
// itself when it is not PEM encoded.
func DecodeDER(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		if len(trimmed) == 0 {
			return nil, ErrInvalidPEM
		}
		return data, nil
	}
	block, _ := pem.Decode(trimmed)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	return block.Bytes, nil
}

// ParsePrivateKey accepts PKCS#8, PKCS#1 and SEC 1 encoded keys.
func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return k.(crypto.Signer), nil
		default:
			return nil, ErrUnsupportedKeyType
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("parse private key: %w", ErrUnsupportedKeyType)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}
	// zero is not a valid serial
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

type Cert struct {
	cert       *x509.Certificate
	privateKey crypto.Signer
	certBytes  []byte
}

func NewCert(cert *x509.Certificate, privateKey crypto.Signer) *Cert {
	return &Cert{cert: cert, privateKey: privateKey, certBytes: cert.Raw}
}

func (c *Cert) Cert() *x509.Certificate { return c.cert }

func (c *Cert) PrivateKey() crypto.Signer { return c.privateKey }

func (c *Cert) DER() []byte { return c.certBytes }

func (c *Cert) Pem() (keyPem []byte, certPem []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.privateKey)
	if err != nil {
		return nil, nil, err
	}
	keyPem = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPem = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.certBytes})
	return keyPem, certPem, nil
}

func (c *Cert) Certificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.certBytes},
		PrivateKey:  c.privateKey,
		Leaf:        c.cert,
	}
}

type CaBuilder struct {
	priKey crypto.Signer
	params *x509.Certificate
}

func NewCaBuilder() *CaBuilder {
	params := &x509.Certificate{
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return &CaBuilder{params: params}
}

func (b *CaBuilder) Subject(subject pkix.Name) *CaBuilder {
	b.params.Subject = subject
	return b
}

func (b *CaBuilder) ValidateDays(days int) *CaBuilder {
	b.params.NotBefore = time.Now().Add(-24 * time.Hour)
	b.params.NotAfter = time.Now().AddDate(0, 0, days)
	return b
}

func (b *CaBuilder) PrivateKey(privateKey crypto.Signer) *CaBuilder {
	b.priKey = privateKey
	return b
}

func (b *CaBuilder) Build() (*Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	b.params.SerialNumber = serialNumber
	if b.priKey == nil {
		if b.priKey, err = GeneratePrivateKey(); err != nil {
			return nil, err
		}
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, b.params, b.params, b.priKey.Public(), b.priKey)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	return &Cert{cert: parsed, privateKey: b.priKey, certBytes: certBytes}, nil
}

// LeafBuilder issues host certificates: one SAN, digital signature key
// usage and server authentication only.
type LeafBuilder struct {
	priKey crypto.Signer
	skew   time.Duration
	valid  time.Duration
	params *x509.Certificate
}

func NewLeafBuilder() *LeafBuilder {
	return &LeafBuilder{
		skew:  24 * time.Hour,
		valid: 365 * 24 * time.Hour,
		params: &x509.Certificate{
			KeyUsage:              x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
		},
	}
}

// Host sets the common name and the single subject alternative name.
// IP literals go to the IP SAN, everything else to the DNS SAN.
func (b *LeafBuilder) Host(host string) *LeafBuilder {
	b.params.Subject = pkix.Name{CommonName: host}
	if ip := net.ParseIP(host); ip != nil {
		b.params.IPAddresses = []net.IP{ip}
		b.params.DNSNames = nil
	} else {
		b.params.DNSNames = []string{host}
		b.params.IPAddresses = nil
	}
	return b
}

func (b *LeafBuilder) Validity(d time.Duration) *LeafBuilder {
	b.valid = d
	return b
}

func (b *LeafBuilder) ClockSkew(d time.Duration) *LeafBuilder {
	b.skew = d
	return b
}

func (b *LeafBuilder) PrivateKey(privateKey crypto.Signer) *LeafBuilder {
	b.priKey = privateKey
	return b
}

func (b *LeafBuilder) BuildFromCA(ca *Cert) (*Cert, error) {
	if ca == nil {
		return nil, errors.New("nil ca certificate")
	}
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	b.params.SerialNumber = serialNumber
	b.params.NotBefore = now.Add(-b.skew)
	b.params.NotAfter = now.Add(b.valid)

	key := b.priKey
	if key == nil {
		key = ca.PrivateKey()
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, b.params, ca.Cert(), key.Public(), ca.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	return &Cert{cert: parsed, privateKey: key, certBytes: certBytes}, nil
}
