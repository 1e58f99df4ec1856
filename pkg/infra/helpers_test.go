package infra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"io/ioutil"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

const testMSPID = "Org1MSP"

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(ioutil.Discard)
	return logger
}

type testCredentials struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
}

func newTestCredentials(t *testing.T, notBefore, notAfter time.Time) *testCredentials {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "User1@org1.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &testCredentials{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func newTestIdentity(t *testing.T) *Crypto {
	t.Helper()

	creds := newTestCredentials(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	identity, err := NewCrypto(testMSPID, creds.key, creds.cert, creds.certPEM)
	require.NoError(t, err)
	return identity
}

// fakeEndorser answers every proposal with the result of process
type fakeEndorser struct {
	process func(ctx context.Context, in *peer.SignedProposal) (*peer.ProposalResponse, error)
}

func (f *fakeEndorser) ProcessProposal(ctx context.Context, in *peer.SignedProposal, opts ...grpc.CallOption) (*peer.ProposalResponse, error) {
	return f.process(ctx, in)
}

var sharedResponsePayload = []byte("proposal response payload")

func endorsed(address string, result []byte) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Version: 1,
		Response: &peer.Response{
			Status:  int32(common.Status_SUCCESS),
			Payload: result,
		},
		Payload: sharedResponsePayload,
		Endorsement: &peer.Endorsement{
			Endorser:  []byte(address),
			Signature: []byte("signature of " + address),
		},
	}
}

func refused(status int32, message string) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Version:  1,
		Response: &peer.Response{Status: status, Message: message},
	}
}

func goodEndorser(address string, result []byte) *Proposer {
	return &Proposer{Address: address, Client: &fakeEndorser{
		process: func(context.Context, *peer.SignedProposal) (*peer.ProposalResponse, error) {
			return endorsed(address, result), nil
		},
	}}
}

func badEndorser(address string, status int32, message string) *Proposer {
	return &Proposer{Address: address, Client: &fakeEndorser{
		process: func(context.Context, *peer.SignedProposal) (*peer.ProposalResponse, error) {
			return refused(status, message), nil
		},
	}}
}

func goodResponse(address string) *EndorsementResponse {
	pr := endorsed(address, []byte("result"))
	return &EndorsementResponse{
		Endorser:         address,
		Status:           pr.Response.Status,
		Payload:          pr.Response.Payload,
		ProposalResponse: pr,
	}
}

func badResponse(address string, status int32, message string) *EndorsementResponse {
	return &EndorsementResponse{
		Endorser:         address,
		Status:           status,
		Message:          message,
		ProposalResponse: refused(status, message),
	}
}

// fakeSource is an EventSource driven by the test through notify
type fakeSource struct {
	address     string
	registerErr error

	mtx          sync.Mutex
	callbacks    map[string]TxCallback
	registered   []string
	unregistered []string
}

func newFakeSource(address string) *fakeSource {
	return &fakeSource{address: address, callbacks: make(map[string]TxCallback)}
}

func (s *fakeSource) Address() string {
	return s.address
}

func (s *fakeSource) RegisterTxEvent(txid string, callback TxCallback) error {
	if s.registerErr != nil {
		return s.registerErr
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.callbacks[txid] = callback
	s.registered = append(s.registered, txid)
	return nil
}

func (s *fakeSource) UnregisterTxEvent(txid string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.callbacks, txid)
	s.unregistered = append(s.unregistered, txid)
}

// notify delivers an outcome for txid and reports whether anyone was listening
func (s *fakeSource) notify(txid string, code peer.TxValidationCode, err error) bool {
	s.mtx.Lock()
	callback := s.callbacks[txid]
	s.mtx.Unlock()

	if callback == nil {
		return false
	}
	callback(txid, code, err)
	return true
}

func (s *fakeSource) pending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.callbacks)
}

func (s *fakeSource) registrations() ([]string, []string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.registered...), append([]string(nil), s.unregistered...)
}

func sources(fakes ...*fakeSource) []EventSource {
	list := make([]EventSource, len(fakes))
	for i, f := range fakes {
		list[i] = f
	}
	return list
}

// fakeDeliverStream feeds the responses pushed by the test to an EventHub
type fakeDeliverStream struct {
	grpc.ClientStream

	ctx       context.Context
	responses chan *peer.DeliverResponse
	sent      chan *common.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeDeliverStream(ctx context.Context) *fakeDeliverStream {
	return &fakeDeliverStream{
		ctx:       ctx,
		responses: make(chan *peer.DeliverResponse, 16),
		sent:      make(chan *common.Envelope, 1),
		closed:    make(chan struct{}),
	}
}

func (s *fakeDeliverStream) Send(env *common.Envelope) error {
	s.sent <- env
	return nil
}

func (s *fakeDeliverStream) Recv() (*peer.DeliverResponse, error) {
	select {
	case r, ok := <-s.responses:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeDeliverStream) CloseSend() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func filteredBlock(number uint64, txs map[string]peer.TxValidationCode) *peer.DeliverResponse {
	fb := &peer.FilteredBlock{Number: number}
	for txid, code := range txs {
		fb.FilteredTransactions = append(fb.FilteredTransactions, &peer.FilteredTransaction{
			Txid:             txid,
			Type:             common.HeaderType_ENDORSER_TRANSACTION,
			TxValidationCode: code,
		})
	}
	return &peer.DeliverResponse{Type: &peer.DeliverResponse_FilteredBlock{FilteredBlock: fb}}
}
