package infra

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// InvocationRequest is a chaincode call. Empty Targets means every known endorser.
type InvocationRequest struct {
	Chaincode string
	Version   string
	Function  string
	Args      []string
	Targets   []string
}

// Result is the terminal outcome of one transaction
type Result struct {
	TxID      string
	Outcome   Outcome
	Payload   []byte
	Responses []*EndorsementResponse
	Receipt   *SubmissionReceipt
	Times     TimeKeeper
}

// Endpoints are the connected collaborators of a Client
type Endpoints struct {
	Endorsers []*Proposer
	// Orderer may be nil for a client that only queries
	Orderer Broadcaster
	Events  []EventSource
}

type options struct {
	logger        *log.Logger
	policy        Policy
	metrics       *Metrics
	commitTimeout time.Duration
	checkRWSet    bool
	closers       []io.Closer
}

type Option func(*options)

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithPolicy(policy Policy) Option {
	return func(o *options) { o.policy = policy }
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

func WithCommitTimeout(timeout time.Duration) Option {
	return func(o *options) { o.commitTimeout = timeout }
}

// WithRWSetLogging logs the read and write sets of every accepted endorsement
func WithRWSetLogging(enabled bool) Option {
	return func(o *options) { o.checkRWSet = enabled }
}

func withClosers(closers ...io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, closers...) }
}

// Client drives transactions through endorsement, ordering and commit
// confirmation. It owns its connections: Close releases all of them.
type Client struct {
	channel    string
	registry   *Registry
	identity   Identity
	collector  *Collector
	submitter  *Submitter
	watcher    *CommitWatcher
	sources    []EventSource
	closers    []io.Closer
	policy     Policy
	logger     *log.Logger
	metrics    *Metrics
	checkRWSet bool

	mtx      sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

// NewClient assembles a Client from already connected endpoints
func NewClient(channel string, identity Identity, endpoints Endpoints, opts ...Option) (*Client, error) {
	if identity == nil {
		return nil, errors.New("identity is required")
	}
	if len(endpoints.Endorsers) == 0 {
		return nil, errors.New("at least one endorser is required")
	}

	o := &options{commitTimeout: DefaultCommitTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.StandardLogger()
	}
	if o.policy == nil {
		o.policy = Unanimity{}
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}

	registry := &Registry{}
	for _, p := range endpoints.Endorsers {
		registry.Endorsers = append(registry.Endorsers, Node{Address: p.Address})
	}
	for _, s := range endpoints.Events {
		registry.Events = append(registry.Events, Node{Address: s.Address()})
	}

	c := &Client{
		channel:    channel,
		registry:   registry,
		identity:   identity,
		collector:  NewCollector(endpoints.Endorsers, o.logger, o.metrics),
		watcher:    NewCommitWatcher(endpoints.Events, o.commitTimeout, o.logger),
		sources:    endpoints.Events,
		closers:    o.closers,
		policy:     o.policy,
		logger:     o.logger,
		metrics:    o.metrics,
		checkRWSet: o.checkRWSet,
		inflight:   make(map[string]struct{}),
	}
	if endpoints.Orderer != nil {
		registry.Orderer = Node{Address: endpoints.Orderer.Address()}
		c.submitter = NewSubmitter(endpoints.Orderer, identity, o.logger)
	}
	return c, nil
}

// Dial connects to every endpoint of config. Whatever was opened is released
// again when a later connection fails.
func Dial(config *Config, identity Identity, logger *log.Logger, opts ...Option) (client *Client, err error) {
	if identity == nil || !identity.IsEnrolled() {
		return nil, ErrNotEnrolled
	}

	var conns []io.Closer
	var hubs []*EventHub
	defer func() {
		if err == nil {
			return
		}
		for _, h := range hubs {
			h.Disconnect()
		}
		for _, c := range conns {
			c.Close()
		}
	}()

	registry := NewRegistry(config)
	dial := func(n Node) (*grpc.ClientConn, error) {
		conn, err := DialConnection(n, config.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
		return conn, nil
	}

	endpoints := Endpoints{}
	for _, n := range registry.Endorsers {
		conn, err := dial(n)
		if err != nil {
			return nil, err
		}
		endpoints.Endorsers = append(endpoints.Endorsers, &Proposer{Address: n.Address, Client: CreateEndorserClient(conn)})
	}

	if registry.Orderer.Address != "" {
		conn, err := dial(registry.Orderer)
		if err != nil {
			return nil, err
		}
		endpoints.Orderer = NewOrdererClient(registry.Orderer.Address, CreateBroadcastClient(conn))
	}

	for _, n := range registry.Events {
		conn, err := dial(n)
		if err != nil {
			return nil, err
		}
		hub := NewEventHub(n.Address, config.Channel, identity, CreateDeliverFilteredConnector(conn), logger)
		if err := hub.Connect(); err != nil {
			return nil, err
		}
		hubs = append(hubs, hub)
		endpoints.Events = append(endpoints.Events, hub)
	}

	opts = append([]Option{
		WithLogger(logger),
		WithPolicy(NewPolicy(config.Quorum)),
		WithCommitTimeout(config.CommitTimeout),
		WithRWSetLogging(config.CheckRWSet),
		withClosers(conns...),
	}, opts...)

	client, err = NewClient(config.Channel, identity, endpoints, opts...)
	if err != nil {
		return nil, err
	}
	client.registry = registry
	return client, nil
}

// Close disconnects every event source and closes every connection
func (c *Client) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	c.mtx.Unlock()

	for _, s := range c.sources {
		if d, ok := s.(interface{ Disconnect() }); ok {
			d.Disconnect()
		}
	}

	var first error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Invoke runs a chaincode call through endorsement, ordering and commit
// confirmation. The returned error is nil only when the transaction was
// committed as valid on every event endpoint.
func (c *Client) Invoke(ctx context.Context, req InvocationRequest) (*Result, error) {
	return c.execute(ctx, ProposalRequest{
		Channel:   c.channel,
		Chaincode: req.Chaincode,
		Version:   req.Version,
		Function:  req.Function,
		Args:      req.Args,
		Targets:   req.Targets,
	})
}

// Query sends a chaincode call to its targets and reports every answer on its
// own. Nothing is submitted for ordering.
func (c *Client) Query(ctx context.Context, req InvocationRequest) ([]*EndorsementResponse, error) {
	return c.endorseOnly(ctx, ProposalRequest{
		Channel:   c.channel,
		Chaincode: req.Chaincode,
		Version:   req.Version,
		Function:  req.Function,
		Args:      req.Args,
		Targets:   req.Targets,
	}, nil)
}

// Install places a chaincode package on the targets, every known peer when
// targets is empty. All of them must accept it.
func (c *Client) Install(ctx context.Context, spec ChaincodeSpec, targets []string) ([]*EndorsementResponse, error) {
	preq, err := spec.installRequest(targets)
	if err != nil {
		return nil, err
	}
	return c.endorseOnly(ctx, preq, Unanimity{})
}

// Instantiate starts an installed chaincode on the client's channel
func (c *Client) Instantiate(ctx context.Context, spec ChaincodeSpec, targets []string) (*Result, error) {
	preq, err := spec.instantiateRequest(c.channel, targets)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, preq)
}

func (c *Client) ready() error {
	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()

	if closed {
		return ErrClientClosed
	}
	if !c.identity.IsEnrolled() {
		return ErrNotEnrolled
	}
	return nil
}

func (c *Client) propose(preq ProposalRequest) (*Element, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	targets, err := c.registry.Targets(preq.Targets)
	if err != nil {
		return nil, err
	}
	preq.Targets = targets

	p, err := NewProposal(c.identity, preq)
	if err != nil {
		return nil, err
	}

	e := newElement(p)
	if err := SignElement(e, c.identity); err != nil {
		return nil, err
	}
	return e, nil
}

// endorseOnly collects responses without ordering them. A nil policy reports
// every response as is.
func (c *Client) endorseOnly(ctx context.Context, preq ProposalRequest, policy Policy) ([]*EndorsementResponse, error) {
	e, err := c.propose(preq)
	if err != nil {
		return nil, err
	}

	responses := c.collector.Collect(ctx, e.Proposal.Targets, e.SignedProposal)
	if policy != nil {
		if _, err := policy.Evaluate(responses); err != nil {
			c.logger.WithField("txid", e.TxID).Errorf("Failed to send Proposal or receive valid response: %v", err)
			return responses, err
		}
	}
	return responses, nil
}

func (c *Client) execute(ctx context.Context, preq ProposalRequest) (*Result, error) {
	e, err := c.propose(preq)
	if err != nil {
		return nil, err
	}

	if err := c.begin(e.TxID); err != nil {
		return nil, err
	}
	defer c.end(e.TxID)

	err = c.process(ctx, e)

	result := &Result{
		TxID:      e.TxID,
		Outcome:   OutcomeOf(err),
		Responses: e.Responses,
		Receipt:   e.Receipt,
		Times:     e.Times,
	}
	if e.Endorsement != nil {
		result.Payload = e.Endorsement.Payload()
	}

	c.metrics.AddOutcome(result.Outcome)
	c.metrics.ObserveTimes(&e.Times)

	entry := c.logger.WithField("txid", e.TxID)
	if err != nil {
		entry.Errorf("Transaction failed: %s: %v", result.Outcome, err)
		return result, err
	}
	entry.Infof("The transaction has been successfully committed in %s", e.Times.TotalLatency())
	return result, nil
}

// process propose -> endorse -> accept -> {submit, watch} -> confirm
func (c *Client) process(ctx context.Context, e *Element) error {
	entry := c.logger.WithField("txid", e.TxID)

	e.Times.keepProposedTime()
	e.Responses = c.collector.Collect(ctx, e.Proposal.Targets, e.SignedProposal)
	e.Times.keepEndorsedTime()

	agg, err := NewAggregatedEndorsement(e.Proposal, e.Responses, c.policy, c.identity)
	if err != nil {
		return err
	}
	e.Endorsement = agg
	entry.Info("Successfully obtained transaction endorsements")

	if c.checkRWSet {
		logTxRWSet(c.logger, agg)
	}

	if c.submitter == nil {
		return &SubmissionError{Err: errors.New("no orderer configured")}
	}

	// register before submitting so that no notification can be missed
	sub, err := c.watcher.Watch(ctx, e.TxID)
	if err != nil {
		return err
	}

	entry.Info("Sending transaction")
	receipt, err := c.submitter.Submit(ctx, agg)
	if err != nil {
		sub.Cancel()
		return err
	}
	e.Receipt = receipt
	e.Times.keepBroadcastTime()

	if err := sub.Wait(); err != nil {
		return err
	}
	e.Times.keepObservedTime()
	return nil
}

func (c *Client) begin(txid string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, ok := c.inflight[txid]; ok {
		return errors.WithMessage(ErrTxInFlight, txid)
	}
	c.inflight[txid] = struct{}{}
	return nil
}

func (c *Client) end(txid string) {
	c.mtx.Lock()
	delete(c.inflight, txid)
	c.mtx.Unlock()
}
