package infra

import (
	"context"
	"time"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

//go:generate mockgen -source=broadcaster.go -destination=mock_broadcaster_test.go -package=infra

// Broadcaster delivers one envelope to the ordering service and returns its acknowledgement
type Broadcaster interface {
	Address() string
	Broadcast(ctx context.Context, env *common.Envelope) (*orderer.BroadcastResponse, error)
}

// OrdererClient broadcasts over the AtomicBroadcast service, one stream per envelope
type OrdererClient struct {
	address string
	client  orderer.AtomicBroadcastClient
}

func NewOrdererClient(address string, client orderer.AtomicBroadcastClient) *OrdererClient {
	return &OrdererClient{address: address, client: client}
}

func (o *OrdererClient) Address() string {
	return o.address
}

func (o *OrdererClient) Broadcast(ctx context.Context, env *common.Envelope) (*orderer.BroadcastResponse, error) {
	stream, err := o.client.Broadcast(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fail to open broadcast stream")
	}
	defer stream.CloseSend()

	if err = stream.Send(env); err != nil {
		return nil, errors.Wrap(err, "fail to send envelope")
	}

	res, err := stream.Recv()
	if err != nil {
		return nil, errors.Wrap(err, "fail to receive broadcast response")
	}
	return res, nil
}

// SubmissionReceipt acknowledges that the orderer accepted a transaction for
// sequencing. It is not a proof of commit.
type SubmissionReceipt struct {
	TxID        string
	Orderer     string
	Status      common.Status
	Info        string
	SubmittedAt time.Time
}

// Submitter sends aggregated endorsements to the orderer
type Submitter struct {
	orderer Broadcaster
	signer  Identity
	logger  *log.Logger
}

func NewSubmitter(orderer Broadcaster, signer Identity, logger *log.Logger) *Submitter {
	return &Submitter{orderer: orderer, signer: signer, logger: logger}
}

// Submit packages the endorsements and sends them once to the orderer
func (s *Submitter) Submit(ctx context.Context, a *AggregatedEndorsement) (*SubmissionReceipt, error) {
	env, err := a.Envelope(s.signer)
	if err != nil {
		return nil, &SubmissionError{Orderer: s.orderer.Address(), Err: errors.WithMessage(err, "fail to create envelope")}
	}
	return s.SubmitEnvelope(ctx, a.Proposal.TxID, env)
}

func (s *Submitter) SubmitEnvelope(ctx context.Context, txid string, env *common.Envelope) (*SubmissionReceipt, error) {
	address := s.orderer.Address()
	s.logger.WithField("txid", txid).Debugf("Broadcasting to %s", address)

	res, err := s.orderer.Broadcast(ctx, env)
	if err != nil {
		return nil, &SubmissionError{Orderer: address, Err: &ConnectionError{Endpoint: address, Err: err}}
	}

	if res.Status != common.Status_SUCCESS {
		s.logger.WithField("txid", txid).Errorf("Receive error status %s: %s", res.Status, res.Info)
		return nil, &SubmissionError{Orderer: address, Status: res.Status.String()}
	}

	return &SubmissionReceipt{
		TxID:        txid,
		Orderer:     address,
		Status:      res.Status,
		Info:        res.Info,
		SubmittedAt: time.Now(),
	}, nil
}
