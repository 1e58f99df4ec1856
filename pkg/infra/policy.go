package infra

// Policy decides whether a set of endorsement responses is good enough to be
// submitted. Evaluate returns the responses to package, in target order.
type Policy interface {
	Evaluate(responses []*EndorsementResponse) ([]*EndorsementResponse, error)
}

// NewPolicy returns Unanimity for quorum 0 and Quorum otherwise
func NewPolicy(quorum int) Policy {
	if quorum <= 0 {
		return Unanimity{}
	}
	return Quorum{Min: quorum}
}

// Unanimity accepts a response set only if every response is good
type Unanimity struct{}

func (Unanimity) Evaluate(responses []*EndorsementResponse) ([]*EndorsementResponse, error) {
	if len(responses) == 0 {
		return nil, ErrNoTargets
	}

	for _, r := range responses {
		if !r.Good() {
			return nil, rejection(r)
		}
	}
	return responses, nil
}

// Quorum accepts a response set holding at least Min good responses.
// Only the good responses are kept. A set smaller than Min is refused
// without looking at it, and a set of exactly Min needs every response.
type Quorum struct {
	Min int
}

func (q Quorum) Evaluate(responses []*EndorsementResponse) ([]*EndorsementResponse, error) {
	if len(responses) == 0 {
		return nil, ErrNoTargets
	}
	if q.Min <= 0 {
		return Unanimity{}.Evaluate(responses)
	}
	if len(responses) < q.Min {
		return nil, &QuorumError{Required: q.Min, Targets: len(responses)}
	}

	var firstBad *EndorsementResponse
	good := make([]*EndorsementResponse, 0, len(responses))
	for _, r := range responses {
		if r.Good() {
			good = append(good, r)
		} else if firstBad == nil {
			firstBad = r
		}
	}

	if len(good) < q.Min {
		return nil, rejection(firstBad)
	}
	return good, nil
}

func rejection(r *EndorsementResponse) *ProposalRejectedError {
	return &ProposalRejectedError{
		Endorser: r.Endorser,
		Status:   r.Status,
		Message:  r.Message,
	}
}
