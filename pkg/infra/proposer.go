package infra

import (
	"context"
	"sync"

	"github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// StatusSuccess is the only status an endorsement response is accepted with
	StatusSuccess = int32(common.Status_SUCCESS)
	// StatusUnavailable marks responses synthesized for endorsers that could not be reached
	StatusUnavailable = int32(common.Status_SERVICE_UNAVAILABLE)
)

// Proposer sends proposals to one endorsing peer
type Proposer struct {
	Address string
	Client  peer.EndorserClient
}

// EndorsementResponse is the answer of one target, real or synthesized on failure
type EndorsementResponse struct {
	Endorser string
	Status   int32
	Message  string
	// Payload is the chaincode result
	Payload []byte
	// ProposalResponse is nil when the endorser could not be reached
	ProposalResponse *peer.ProposalResponse
	Err              error
}

// Good reports whether the response carries the success status
func (r *EndorsementResponse) Good() bool {
	return r.Status == StatusSuccess && r.ProposalResponse != nil
}

// Signature is the endorser's signature over the response payload
func (r *EndorsementResponse) Signature() []byte {
	if r.ProposalResponse == nil || r.ProposalResponse.Endorsement == nil {
		return nil
	}
	return r.ProposalResponse.Endorsement.Signature
}

// Collector fans a signed proposal out to its targets and gathers the responses
type Collector struct {
	proposers map[string]*Proposer
	logger    *log.Logger
	metrics   *Metrics
}

func NewCollector(proposers []*Proposer, logger *log.Logger, metrics *Metrics) *Collector {
	m := make(map[string]*Proposer, len(proposers))
	for _, p := range proposers {
		m[p.Address] = p
	}
	return &Collector{proposers: m, logger: logger, metrics: metrics}
}

// Collect sends the proposal to every target concurrently and returns one
// response per target, in target order. Failures become responses with a
// failure status instead of aborting the collection.
func (c *Collector) Collect(ctx context.Context, targets []string, signed *peer.SignedProposal) []*EndorsementResponse {
	responses := make([]*EndorsementResponse, len(targets))

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, target := range targets {
		go func(i int, target string) {
			defer wg.Done()
			responses[i] = c.propose(ctx, target, signed)
		}(i, target)
	}
	wg.Wait()

	for _, r := range responses {
		if c.metrics != nil {
			c.metrics.AddResponse(r)
		}
	}
	return responses
}

func (c *Collector) propose(ctx context.Context, target string, signed *peer.SignedProposal) *EndorsementResponse {
	p, ok := c.proposers[target]
	if !ok {
		return failedResponse(target, errors.Errorf("no connection to endorser %s", target))
	}

	resp, err := p.Client.ProcessProposal(ctx, signed)
	if err != nil {
		c.logger.Errorf("Error processing proposal: %v, status: unknown, address: %s", err, target)
		return failedResponse(target, &ConnectionError{Endpoint: target, Err: err})
	}
	if resp == nil || resp.Response == nil {
		c.logger.Errorf("Error processing proposal: empty response, address: %s", target)
		return failedResponse(target, errors.New("empty proposal response"))
	}

	r := &EndorsementResponse{
		Endorser:         target,
		Status:           resp.Response.Status,
		Message:          resp.Response.Message,
		Payload:          resp.Response.Payload,
		ProposalResponse: resp,
	}
	if !r.Good() {
		c.logger.Errorf("Error processing proposal: status: %d, message: %s, address: %s", r.Status, r.Message, target)
	} else {
		c.logger.Debugf("Proposal endorsed by %s", target)
	}
	return r
}

func failedResponse(target string, err error) *EndorsementResponse {
	return &EndorsementResponse{
		Endorser: target,
		Status:   StatusUnavailable,
		Message:  err.Error(),
		Err:      err,
	}
}
