package infra

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/osdi23p228/fabric/bccsp/utils"
	"github.com/pkg/errors"
)

// Identity is the authenticated principal on whose behalf transactions are
// built. Enrollment and key storage happen elsewhere.
type Identity interface {
	// Serialize returns the creator bytes stamped into transaction headers
	Serialize() ([]byte, error)
	// Sign signs msg with the identity's private key
	Sign(msg []byte) ([]byte, error)
	// IsEnrolled reports whether the identity holds usable credentials
	IsEnrolled() bool
}

// Crypto is an Identity backed by an ECDSA key and its X.509 certificate
type Crypto struct {
	Creator  []byte
	PrivKey  *ecdsa.PrivateKey
	SignCert *x509.Certificate
	now      func() time.Time
}

// NewCrypto wraps a key and certificate issued to mspID
func NewCrypto(mspID string, key *ecdsa.PrivateKey, cert *x509.Certificate, certBytes []byte) (*Crypto, error) {
	id := &msp.SerializedIdentity{
		Mspid:   mspID,
		IdBytes: certBytes,
	}
	name, err := proto.Marshal(id)
	if err != nil {
		return nil, errors.Wrap(err, "fail to get msp id")
	}

	return &Crypto{
		Creator:  name,
		PrivKey:  key,
		SignCert: cert,
		now:      time.Now,
	}, nil
}

// LoadCrypto loads the client identity from PEM files
func LoadCrypto(mspID, keyFile, certFile string) (*Crypto, error) {
	privateKey, err := GetPrivateKey(keyFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load private key")
	}

	cert, certBytes, err := GetCertificate(certFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load certificate")
	}

	return NewCrypto(mspID, privateKey, cert, certBytes)
}

func (s *Crypto) Serialize() ([]byte, error) {
	return s.Creator, nil
}

func (s *Crypto) Sign(msg []byte) ([]byte, error) {
	if s.PrivKey == nil {
		return nil, ErrNotEnrolled
	}

	digest := sha256.Sum256(msg)
	r, sig, err := ecdsa.Sign(rand.Reader, s.PrivKey, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "fail to sign")
	}

	// peers only accept low-S signatures
	sig, err = utils.ToLowS(&s.PrivKey.PublicKey, sig)
	if err != nil {
		return nil, errors.Wrap(err, "fail to normalize signature")
	}

	return utils.MarshalECDSASignature(r, sig)
}

func (s *Crypto) IsEnrolled() bool {
	if s.PrivKey == nil || s.SignCert == nil || len(s.Creator) == 0 {
		return false
	}
	now := s.now()
	return !now.Before(s.SignCert.NotBefore) && !now.After(s.SignCert.NotAfter)
}

// GetPrivateKey reads a PEM encoded PKCS#8 or SEC 1 ECDSA private key
func GetPrivateKey(f string) (*ecdsa.PrivateKey, error) {
	in, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, errors.Errorf("no PEM data in %s", f)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("key in %s is not an ECDSA key", f)
		}
		return ecKey, nil
	}

	ecKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to parse private key in %s", f)
	}
	return ecKey, nil
}

// GetCertificate reads a PEM encoded certificate and also returns the raw file
func GetCertificate(f string) (*x509.Certificate, []byte, error) {
	in, err := ioutil.ReadFile(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to read %s", f)
	}

	block, _ := pem.Decode(in)
	if block == nil {
		return nil, nil, errors.Errorf("no PEM data in %s", f)
	}

	c, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fail to parse certificate in %s", f)
	}
	return c, in, nil
}
