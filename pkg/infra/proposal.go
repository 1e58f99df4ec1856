package infra

import (
	"bytes"
	"crypto/rand"
	"math"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
)

const nonceSize = 24

// ProposalRequest describes the chaincode call a proposal is built for
type ProposalRequest struct {
	Channel   string
	Chaincode string
	Version   string
	Function  string
	Args      []string
	Targets   []string
	// InstallOnly proposals may go without targets: they reach every known peer
	InstallOnly bool
}

// Proposal is an unsigned transaction proposal together with what it was built from.
// It is never modified after NewProposal returns.
type Proposal struct {
	Channel   string
	Chaincode string
	Version   string
	Function  string
	Args      []string
	TxID      string
	Nonce     []byte
	Targets   []string

	Proposal *peer.Proposal
}

func GetRandomNonce() ([]byte, error) {
	key := make([]byte, nonceSize)

	_, err := rand.Read(key)
	if err != nil {
		return nil, errors.Wrap(err, "error getting random bytes")
	}
	return key, nil
}

// ComputeTxID derives the transaction id from the nonce and the serialized creator
func ComputeTxID(nonce, creator []byte) string {
	return protoutil.ComputeTxID(nonce, creator)
}

// NewProposal creates an unsigned proposal with a fresh nonce and the transaction id derived from it
func NewProposal(identity Identity, req ProposalRequest) (*Proposal, error) {
	if len(req.Targets) == 0 && !req.InstallOnly {
		return nil, ErrNoTargets
	}
	if req.Chaincode == "" {
		return nil, errors.New("chaincode is not provided")
	}

	creator, err := identity.Serialize()
	if err != nil {
		return nil, errors.WithMessage(err, "fail to serialize identity")
	}

	nonce, err := GetRandomNonce()
	if err != nil {
		return nil, err
	}
	txid := ComputeTxID(nonce, creator)

	// the function name travels as the first chaincode argument
	argsByte := make([][]byte, 0, len(req.Args)+1)
	if req.Function != "" {
		argsByte = append(argsByte, []byte(req.Function))
	}
	for _, arg := range req.Args {
		argsByte = append(argsByte, []byte(arg))
	}

	spec := &peer.ChaincodeSpec{
		Type:        peer.ChaincodeSpec_GOLANG,
		ChaincodeId: &peer.ChaincodeID{Name: req.Chaincode, Version: req.Version},
		Input:       &peer.ChaincodeInput{Args: argsByte},
	}
	invocation := &peer.ChaincodeInvocationSpec{ChaincodeSpec: spec}

	prop, _, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(
		txid,
		common.HeaderType_ENDORSER_TRANSACTION,
		req.Channel,
		invocation,
		nonce,
		creator,
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create proposal")
	}

	args := make([]string, len(req.Args))
	copy(args, req.Args)
	targets := make([]string, len(req.Targets))
	copy(targets, req.Targets)

	return &Proposal{
		Channel:   req.Channel,
		Chaincode: req.Chaincode,
		Version:   req.Version,
		Function:  req.Function,
		Args:      args,
		TxID:      txid,
		Nonce:     nonce,
		Targets:   targets,
		Proposal:  prop,
	}, nil
}

// CreateSignedDeliverNewestEnv asks for every block from the newest one on
func CreateSignedDeliverNewestEnv(channel string, signer Identity) (*common.Envelope, error) {
	start := &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Newest{
			Newest: &orderer.SeekNewest{},
		},
	}

	stop := &orderer.SeekPosition{
		Type: &orderer.SeekPosition_Specified{
			Specified: &orderer.SeekSpecified{
				Number: math.MaxUint64,
			},
		},
	}

	seekInfo := &orderer.SeekInfo{
		Start:    start,
		Stop:     stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}

	return protoutil.CreateSignedEnvelope(
		common.HeaderType_DELIVER_SEEK_INFO,
		channel,
		signer,
		seekInfo,
		0,
		0,
	)
}

func getHeader(headerBytes []byte, signer Identity) (*common.Header, error) {
	header := &common.Header{}
	err := proto.Unmarshal(headerBytes, header)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling Header")
	}

	err = checkHeaderSignerValidity(header, signer)
	if err != nil {
		return nil, err
	}

	return header, nil
}

// checkHeaderSignerValidity check that the signer is the same
// that is referenced in the header.
func checkHeaderSignerValidity(header *common.Header, signer Identity) error {
	identityBytes, err := signer.Serialize()
	if err != nil {
		return err
	}

	signatureHeader, err := UnmarshalSignatureHeader(header.SignatureHeader)
	if err != nil {
		return err
	}

	if !bytes.Equal(identityBytes, signatureHeader.Creator) {
		return errors.Errorf("signer must be the same as the one referenced in the header")
	}

	return nil
}

func UnmarshalSignatureHeader(bytes []byte) (*common.SignatureHeader, error) {
	sh := &common.SignatureHeader{}
	if err := proto.Unmarshal(bytes, sh); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling SignatureHeader")
	}
	return sh, nil
}

func GetChaincodeProposalPayload(ccProposalPayloadBytes []byte) (*peer.ChaincodeProposalPayload, error) {
	ccProposalPayload := &peer.ChaincodeProposalPayload{}
	err := proto.Unmarshal(ccProposalPayloadBytes, ccProposalPayload)
	return ccProposalPayload, errors.Wrap(err, "error unmarshaling ChaincodeProposalPayload")
}

func generateChaincodeActionPayload(proposal *peer.Proposal, responses []*EndorsementResponse) (*peer.ChaincodeActionPayload, error) {
	ccProposalPayload, err := GetChaincodeProposalPayload(proposal.Payload)
	if err != nil {
		return nil, err
	}
	proposalPayloadBytes, err := protoutil.GetBytesProposalPayloadForTx(ccProposalPayload)
	if err != nil {
		return nil, err
	}

	endorsements := make([]*peer.Endorsement, len(responses))
	for i, r := range responses {
		endorsements[i] = r.ProposalResponse.Endorsement
	}

	ccEndorsedAction := &peer.ChaincodeEndorsedAction{
		ProposalResponsePayload: responses[0].ProposalResponse.Payload,
		Endorsements:            endorsements,
	}

	ccActionPayload := &peer.ChaincodeActionPayload{
		ChaincodeProposalPayload: proposalPayloadBytes,
		Action:                   ccEndorsedAction,
	}
	return ccActionPayload, nil
}

func generateTransaction(header *common.Header, ccActionPayload *peer.ChaincodeActionPayload) (*peer.Transaction, error) {
	ccActionPayloadBytes, err := protoutil.GetBytesChaincodeActionPayload(ccActionPayload)
	if err != nil {
		return nil, err
	}

	txAction := &peer.TransactionAction{
		Header:  header.SignatureHeader,
		Payload: ccActionPayloadBytes,
	}

	return &peer.Transaction{Actions: []*peer.TransactionAction{txAction}}, nil
}

func generatePayload(header *common.Header, tx *peer.Transaction) (*common.Payload, error) {
	txBytes, err := protoutil.GetBytesTransaction(tx)
	if err != nil {
		return nil, err
	}

	return &common.Payload{
		Header: header,
		Data:   txBytes,
	}, nil
}

func generateEnvelope(payload *common.Payload, signer Identity) (*common.Envelope, error) {
	payloadBytes, err := protoutil.GetBytesPayload(payload)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(payloadBytes)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{
		Payload:   payloadBytes,
		Signature: signature,
	}, nil
}
