package infra

import (
	"context"
	"time"

	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/osdi23p228/txflow/pkg/comm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const (
	MAX_TRY = 3
)

func newGRPCClient(node Node, timeout time.Duration, logger *log.Logger) (*comm.GRPCClient, error) {
	clientConfig := generateClientConfig(node, timeout)

	var entry *log.Entry
	if logger != nil && logger.IsLevelEnabled(log.DebugLevel) {
		entry = logger.WithField("endpoint", node.Address)
	}

	grpcClient, err := comm.NewGRPCClient(clientConfig, entry)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to %s", node.Address)
	}

	return grpcClient, nil
}

func generateClientConfig(node Node, timeout time.Duration) comm.ClientConfig {
	certs := collectTLSCACertsBytes(node)

	clientConfig := comm.ClientConfig{
		Timeout: timeout,
		SecOpts: comm.SecureOptions{
			UseTLS:            false,
			RequireClientCert: false,
			ServerRootCAs:     certs,
		},
	}

	if len(certs) > 0 {
		clientConfig.SecOpts.UseTLS = true
		if len(node.TLSCAKeyByte) > 0 && len(node.TLSCARootByte) > 0 {
			clientConfig.SecOpts.RequireClientCert = true
			clientConfig.SecOpts.Certificate = node.TLSCACertByte
			clientConfig.SecOpts.Key = node.TLSCAKeyByte
			clientConfig.SecOpts.ClientRootCAs = append(clientConfig.SecOpts.ClientRootCAs, node.TLSCARootByte)
		}
	}

	return clientConfig
}

func collectTLSCACertsBytes(node Node) [][]byte {
	var certs [][]byte
	if node.TLSCACertByte != nil {
		certs = append(certs, node.TLSCACertByte)
	}
	if node.TLSCARootByte != nil {
		certs = append(certs, node.TLSCARootByte)
	}
	return certs
}

func CreateEndorserClient(conn *grpc.ClientConn) peer.EndorserClient {
	return peer.NewEndorserClient(conn)
}

func CreateBroadcastClient(conn *grpc.ClientConn) orderer.AtomicBroadcastClient {
	return orderer.NewAtomicBroadcastClient(conn)
}

// CreateDeliverFilteredConnector opens a new filtered block stream on conn for every call
func CreateDeliverFilteredConnector(conn *grpc.ClientConn) DeliverConnector {
	return func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error) {
		return peer.NewDeliverClient(conn).DeliverFiltered(ctx)
	}
}

// DialConnection connects to node, trying up to MAX_TRY times
func DialConnection(node Node, timeout time.Duration, logger *log.Logger) (*grpc.ClientConn, error) {
	gRPCClient, err := newGRPCClient(node, timeout, logger)
	if err != nil {
		return nil, err
	}

	var tlsOptions []comm.TLSOption
	if node.ServerNameOverride != "" {
		tlsOptions = append(tlsOptions, comm.ServerNameOverride(node.ServerNameOverride))
	}

	for i := 1; i <= MAX_TRY; i++ {
		var conn *grpc.ClientConn
		conn, err = gRPCClient.NewConnection(node.Address, tlsOptions...)
		if err == nil {
			return conn, nil
		}
		if logger != nil {
			logger.Warnf("Fail to dial %s (attempt %d/%d): %v", node.Address, i, MAX_TRY, err)
		}
	}
	return nil, &ConnectionError{Endpoint: node.Address, Err: errors.WithMessagef(err, "failed to dial %s", node.Address)}
}
