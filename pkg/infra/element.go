package infra

import "github.com/hyperledger/fabric-protos-go/peer"

// Element contains the data for the whole lifecycle of a transaction
type Element struct {
	Proposal       *Proposal
	SignedProposal *peer.SignedProposal
	Responses      []*EndorsementResponse
	Endorsement    *AggregatedEndorsement
	Receipt        *SubmissionReceipt
	Times          TimeKeeper
	TxID           string
}

func newElement(p *Proposal) *Element {
	return &Element{Proposal: p, TxID: p.TxID}
}
