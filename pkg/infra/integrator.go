package infra

import (
	"bytes"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/osdi23p228/fabric/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/osdi23p228/fabric/protoutil"
	log "github.com/sirupsen/logrus"
)

// AggregatedEndorsement is the accepted set of endorsements of one proposal,
// ready to be packaged for the orderer
type AggregatedEndorsement struct {
	Proposal  *Proposal
	Responses []*EndorsementResponse
	Header    *common.Header
}

// NewAggregatedEndorsement applies the policy to the responses and checks that
// the accepted ones agree. It fails instead of returning a partial aggregate.
func NewAggregatedEndorsement(p *Proposal, responses []*EndorsementResponse, policy Policy, signer Identity) (*AggregatedEndorsement, error) {
	accepted, err := policy.Evaluate(responses)
	if err != nil {
		return nil, err
	}

	if err := checkResponsePayloadValidity(accepted); err != nil {
		return nil, err
	}

	header, err := getHeader(p.Proposal.Header, signer)
	if err != nil {
		return nil, err
	}

	return &AggregatedEndorsement{
		Proposal:  p,
		Responses: accepted,
		Header:    header,
	}, nil
}

// Envelope packages the endorsements into a transaction signed by signer
func (a *AggregatedEndorsement) Envelope(signer Identity) (*common.Envelope, error) {
	ccActionPayload, err := generateChaincodeActionPayload(a.Proposal.Proposal, a.Responses)
	if err != nil {
		return nil, err
	}

	tx, err := generateTransaction(a.Header, ccActionPayload)
	if err != nil {
		return nil, err
	}

	payload, err := generatePayload(a.Header, tx)
	if err != nil {
		return nil, err
	}

	return generateEnvelope(payload, signer)
}

// Payload is the chaincode result agreed on by the endorsers
func (a *AggregatedEndorsement) Payload() []byte {
	return a.Responses[0].Payload
}

func checkResponsePayloadValidity(responses []*EndorsementResponse) error {
	first := responses[0]
	for _, r := range responses[1:] {
		if !bytes.Equal(first.ProposalResponse.Payload, r.ProposalResponse.Payload) {
			return &ProposalRejectedError{
				Endorser: r.Endorser,
				Status:   r.Status,
				Message:  "ProposalResponsePayloads from Peers do not match",
			}
		}
	}
	return nil
}

// logTxRWSet prints the read set and write set of an endorsed proposal
func logTxRWSet(logger *log.Logger, a *AggregatedEndorsement) {
	proposalResponsePayload, err := protoutil.UnmarshalProposalResponsePayload(a.Responses[0].ProposalResponse.Payload)
	if err != nil {
		logger.Errorf("Fail to unmarshal ProposalResponsePayload: %v", err)
		return
	}

	ccAction, err := protoutil.UnmarshalChaincodeAction(proposalResponsePayload.Extension)
	if err != nil {
		logger.Errorf("Fail to unmarshal ChaincodeAction: %v", err)
		return
	}

	txRWSet := &rwsetutil.TxRwSet{}
	if err = txRWSet.FromProtoBytes(ccAction.Results); err != nil {
		logger.Errorf("Fail to deserializes protobytes into TxReadWriteSet proto message: %v", err)
		return
	}

	entry := logger.WithField("txid", a.Proposal.TxID)
	for _, rwset := range txRWSet.NsRwSets {
		for _, rset := range rwset.KvRwSet.Reads {
			entry.WithField("namespace", rwset.NameSpace).Infof("Read %s", rset.String())
		}
		for _, wset := range rwset.KvRwSet.Writes {
			entry.WithField("namespace", rwset.NameSpace).Infof("Write %s", wset.String())
		}
	}
}
