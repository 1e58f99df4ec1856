package comm

import (
	"crypto/x509"
	"time"
)

const (
	// MaxRecvMsgSize is the default maximum message size a client can receive
	MaxRecvMsgSize = 100 * 1024 * 1024
	// MaxSendMsgSize is the default maximum message size a client can send
	MaxSendMsgSize = 100 * 1024 * 1024
)

var (
	// DefaultKeepaliveOptions are used when ClientConfig.KaOpts is nil
	DefaultKeepaliveOptions = KeepaliveOptions{
		ClientInterval: time.Duration(1) * time.Minute,
		ClientTimeout:  time.Duration(20) * time.Second,
	}

	// DefaultConnectionTimeout bounds a blocking dial
	DefaultConnectionTimeout = 30 * time.Second
)

// ClientConfig defines the parameters for configuring a GRPCClient instance
type ClientConfig struct {
	// SecOpts defines the security parameters
	SecOpts SecureOptions
	// KaOpts defines the keepalive parameters
	KaOpts *KeepaliveOptions
	// Timeout specifies how long the client will block when attempting to
	// establish a connection
	Timeout time.Duration
	// AsyncConnect makes connection creation non blocking
	AsyncConnect bool
}

// SecureOptions defines the TLS material used by a GRPCClient
type SecureOptions struct {
	// VerifyCertificate, if not nil, is called after normal
	// certificate verification by the TLS client
	VerifyCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
	// PEM-encoded X509 public key used for mutual TLS
	Certificate []byte
	// PEM-encoded private key used for mutual TLS
	Key []byte
	// Set of PEM-encoded X509 certificate authorities used to verify the server
	ServerRootCAs [][]byte
	// Set of PEM-encoded X509 certificate authorities presented alongside the client certificate
	ClientRootCAs [][]byte
	// Whether or not to use TLS for communication
	UseTLS bool
	// Whether or not the TLS client must present a certificate
	RequireClientCert bool
}

// KeepaliveOptions is used to set the gRPC keepalive settings of a client
type KeepaliveOptions struct {
	// ClientInterval is the duration after which, if the client does not see
	// any activity, it pings the server to see if it is alive
	ClientInterval time.Duration
	// ClientTimeout is the duration the client waits for a response from the
	// server after sending a ping before closing the connection
	ClientTimeout time.Duration
}
