package infra

import (
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// SignProposal signs an unsigned proposal and attach the signature to the signed proposal
func SignProposal(prop *peer.Proposal, signer Identity) (*peer.SignedProposal, error) {
	proposalBytes, err := proto.Marshal(prop)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling Proposal")
	}

	signature, err := signer.Sign(proposalBytes)
	if err != nil {
		return nil, err
	}

	return &peer.SignedProposal{
		ProposalBytes: proposalBytes,
		Signature:     signature,
	}, nil
}

// SignElement signs the proposal of a transaction with the client's identity
func SignElement(e *Element, signer Identity) error {
	signedProposal, err := SignProposal(e.Proposal.Proposal, signer)
	if err != nil {
		return errors.WithMessagef(err, "fail to sign transaction %s", e.TxID)
	}
	e.SignedProposal = signedProposal
	return nil
}
