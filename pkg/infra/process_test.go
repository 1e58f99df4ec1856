package infra

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	org1Peer = "peer0.org1.example.com:7051"
	org2Peer = "peer0.org2.example.com:9051"
)

// txIDOf reads the transaction id out of a broadcast envelope
func txIDOf(t *testing.T, env *common.Envelope) string {
	t.Helper()
	payload, err := protoutil.UnmarshalPayload(env.Payload)
	require.NoError(t, err)
	chdr, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	require.NoError(t, err)
	return chdr.TxId
}

func newMockOrderer(ctrl *gomock.Controller) *MockBroadcaster {
	m := NewMockBroadcaster(ctrl)
	m.EXPECT().Address().Return("orderer.example.com:7050").AnyTimes()
	return m
}

func invokeRequest() InvocationRequest {
	return InvocationRequest{
		Chaincode: "basic",
		Function:  "TransferAsset",
		Args:      []string{"asset1", "Tom"},
	}
}

func TestInvokeCommitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1, s2 := newFakeSource(org1Peer), newFakeSource(org2Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env *common.Envelope) (*orderer.BroadcastResponse, error) {
			txid := txIDOf(t, env)
			// both peers are listening by the time the orderer sees the transaction
			go func() {
				s1.notify(txid, peer.TxValidationCode_VALID, nil)
				s2.notify(txid, peer.TxValidationCode_VALID, nil)
			}()
			return &orderer.BroadcastResponse{Status: common.Status_SUCCESS}, nil
		})

	metrics := NewMetrics(prometheus.NewRegistry())
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, []byte("ok")), goodEndorser(org2Peer, []byte("ok"))},
		Orderer:   mockOrderer,
		Events:    sources(s1, s2),
	}, WithLogger(testLogger()), WithMetrics(metrics), WithCommitTimeout(5*time.Second))
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, []byte("ok"), result.Payload)
	assert.Len(t, result.Responses, 2)
	require.NotNil(t, result.Receipt)
	assert.Equal(t, result.TxID, result.Receipt.TxID)
	assert.Greater(t, int64(result.Times.TotalLatency()), int64(0))

	assert.Equal(t, 0, s1.pending())
	assert.Equal(t, 0, s2.pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Transactions.WithLabelValues("Committed")))
}

func TestInvokeRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1, s2 := newFakeSource(org1Peer), newFakeSource(org2Peer)
	// no Broadcast expectation: submitting would fail the test
	mockOrderer := newMockOrderer(ctrl)

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, []byte("ok")), badEndorser(org2Peer, 500, "Asset asset1 does not exist")},
		Orderer:   mockOrderer,
		Events:    sources(s1, s2),
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), invokeRequest())

	var rejected *ProposalRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, org2Peer, rejected.Endorser)
	assert.Equal(t, "Asset asset1 does not exist", rejected.Message)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Nil(t, result.Receipt)

	registered, _ := s1.registrations()
	assert.Empty(t, registered)
	registered, _ = s2.registrations()
	assert.Empty(t, registered)
}

func TestInvokeCommittedAsInvalid(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1, s2 := newFakeSource(org1Peer), newFakeSource(org2Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env *common.Envelope) (*orderer.BroadcastResponse, error) {
			txid := txIDOf(t, env)
			go s1.notify(txid, peer.TxValidationCode_ENDORSEMENT_POLICY_FAILURE, nil)
			return &orderer.BroadcastResponse{Status: common.Status_SUCCESS}, nil
		})

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil), goodEndorser(org2Peer, nil)},
		Orderer:   mockOrderer,
		Events:    sources(s1, s2),
	}, WithLogger(testLogger()), WithCommitTimeout(time.Minute))
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), invokeRequest())

	var invalid *CommitInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "ENDORSEMENT_POLICY_FAILURE", invalid.Code)
	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.NotNil(t, result.Receipt, "the orderer accepted the transaction")

	_, unregistered := s2.registrations()
	assert.Equal(t, []string{result.TxID}, unregistered)
	assert.Equal(t, 0, s2.pending())
}

func TestInvokeCallerDeadlineWithoutNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1 := newFakeSource(org1Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).Return(&orderer.BroadcastResponse{Status: common.Status_SUCCESS}, nil)

	metrics := NewMetrics(prometheus.NewRegistry())
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Orderer:   mockOrderer,
		Events:    sources(s1),
	}, WithLogger(testLogger()), WithMetrics(metrics), WithCommitTimeout(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	result, err := client.Invoke(ctx, invokeRequest())

	var timeout *CommitTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, org1Peer, timeout.Endpoint)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.NotNil(t, result.Receipt, "the orderer accepted the transaction")
	assert.Equal(t, 0, s1.pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Transactions.WithLabelValues("CommitTimeout")))
}

func TestInvokeCallerCancelWhileWaiting(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1 := newFakeSource(org1Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *common.Envelope) (*orderer.BroadcastResponse, error) {
			// the caller gives up once the orderer has the transaction
			cancel()
			return &orderer.BroadcastResponse{Status: common.Status_SUCCESS}, nil
		})

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Orderer:   mockOrderer,
		Events:    sources(s1),
	}, WithLogger(testLogger()), WithCommitTimeout(time.Minute))
	require.NoError(t, err)

	result, err := client.Invoke(ctx, invokeRequest())

	var cancelled *CommitCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.NotNil(t, result.Receipt)
	assert.Equal(t, 0, s1.pending())
}

func TestInvokeSubmissionRefused(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1 := newFakeSource(org1Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).Return(&orderer.BroadcastResponse{Status: common.Status_SERVICE_UNAVAILABLE}, nil)

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Orderer:   mockOrderer,
		Events:    sources(s1),
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), invokeRequest())
	assert.Error(t, err)
	assert.Equal(t, OutcomeSubmissionFailed, result.Outcome)

	registered, unregistered := s1.registrations()
	assert.Equal(t, registered, unregistered, "the watch is released when submission fails")
}

func TestInvokeWithoutEventSources(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Orderer:   newMockOrderer(ctrl),
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = client.Invoke(context.Background(), invokeRequest())
	assert.Equal(t, ErrNoEventSources, err)
}

func TestInvokeWithoutOrderer(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Events:    sources(newFakeSource(org1Peer)),
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	result, err := client.Invoke(context.Background(), invokeRequest())
	assert.Error(t, err)
	assert.Equal(t, OutcomeSubmissionFailed, result.Outcome)
}

func TestInvokeUnknownTarget(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	req := invokeRequest()
	req.Targets = []string{"peer9.example.com:7051"}
	_, err = client.Invoke(context.Background(), req)
	assert.EqualError(t, err, "unknown endorser peer9.example.com:7051")
}

func TestQueryReportsEveryResponse(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, []byte("blue")), badEndorser(org2Peer, 500, "no such asset")},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	responses, err := client.Query(context.Background(), InvocationRequest{Chaincode: "basic", Function: "ReadAsset", Args: []string{"asset1"}})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, []byte("blue"), responses[0].Payload)
	assert.Equal(t, int32(500), responses[1].Status)
}

func TestQuerySelectedTarget(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, []byte("1")), goodEndorser(org2Peer, []byte("2"))},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	responses, err := client.Query(context.Background(), InvocationRequest{Chaincode: "basic", Targets: []string{org2Peer, org2Peer}})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, org2Peer, responses[0].Endorser)
}

func TestInstall(t *testing.T) {
	var seen []string
	installer := func(address string) *Proposer {
		return &Proposer{Address: address, Client: &fakeEndorser{
			process: func(_ context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
				prop, err := protoutil.UnmarshalProposal(sp.ProposalBytes)
				if err != nil {
					return nil, err
				}
				header, err := protoutil.UnmarshalHeader(prop.Header)
				if err != nil {
					return nil, err
				}
				chdr, err := protoutil.UnmarshalChannelHeader(header.ChannelHeader)
				if err != nil {
					return nil, err
				}
				seen = append(seen, chdr.ChannelId)
				return endorsed(address, nil), nil
			},
		}}
	}

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{installer(org1Peer)},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	spec := ChaincodeSpec{Name: "basic", Version: "1.0", CodePackage: []byte("package")}
	responses, err := client.Install(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
	assert.Equal(t, []string{""}, seen, "install is not bound to a channel")

	spec.CodePackage = nil
	_, err = client.Install(context.Background(), spec, nil)
	assert.Error(t, err)
}

func TestInstallRejected(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil), badEndorser(org2Peer, 500, "chaincode basic:1.0 already exists")},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = client.Install(context.Background(), ChaincodeSpec{Name: "basic", Version: "1.0", CodePackage: []byte("package")}, nil)
	assert.Equal(t, OutcomeRejected, OutcomeOf(err))
}

func TestInstantiate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	s1 := newFakeSource(org1Peer)
	mockOrderer := newMockOrderer(ctrl)
	mockOrderer.EXPECT().Broadcast(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, env *common.Envelope) (*orderer.BroadcastResponse, error) {
			go s1.notify(txIDOf(t, env), peer.TxValidationCode_VALID, nil)
			return &orderer.BroadcastResponse{Status: common.Status_SUCCESS}, nil
		})

	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
		Orderer:   mockOrderer,
		Events:    sources(s1),
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	result, err := client.Instantiate(context.Background(), ChaincodeSpec{Name: "basic", Version: "1.0", Function: "InitLedger"}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, result.Outcome)
}

func TestClientClosed(t *testing.T) {
	closer := &countingCloser{}
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
	}, WithLogger(testLogger()), withClosers(closer))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, closer.closed)

	_, err = client.Invoke(context.Background(), invokeRequest())
	assert.Equal(t, ErrClientClosed, err)
}

func TestClientNotEnrolled(t *testing.T) {
	identity := newTestIdentity(t)
	client, err := NewClient("mychannel", identity, Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	identity.now = func() time.Time { return identity.SignCert.NotAfter.Add(time.Hour) }
	_, err = client.Invoke(context.Background(), invokeRequest())
	assert.Equal(t, ErrNotEnrolled, err)

	_, err = Dial(&Config{}, identity, testLogger())
	assert.Equal(t, ErrNotEnrolled, err)
}

func TestTransactionInFlightOnce(t *testing.T) {
	client, err := NewClient("mychannel", newTestIdentity(t), Endpoints{
		Endorsers: []*Proposer{goodEndorser(org1Peer, nil)},
	}, WithLogger(testLogger()))
	require.NoError(t, err)

	require.NoError(t, client.begin("tx1"))
	assert.ErrorIs(t, client.begin("tx1"), ErrTxInFlight)
	client.end("tx1")
	assert.NoError(t, client.begin("tx1"))
}

func TestNewClientRequiresEndorsers(t *testing.T) {
	_, err := NewClient("mychannel", newTestIdentity(t), Endpoints{})
	assert.Error(t, err)

	_, err = NewClient("mychannel", nil, Endpoints{Endorsers: []*Proposer{goodEndorser(org1Peer, nil)}})
	assert.Error(t, err)
}

type countingCloser struct {
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}
