package infra

import (
	"context"
	"io"
	"sync"

	"github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// TxCallback is called once a registered transaction shows up in a block.
// err is set instead when the event connection is lost.
type TxCallback func(txid string, code peer.TxValidationCode, err error)

// EventSource notifies commit outcomes by transaction id
type EventSource interface {
	Address() string
	RegisterTxEvent(txid string, callback TxCallback) error
	UnregisterTxEvent(txid string)
}

// DeliverConnector opens a filtered block stream to a peer
type DeliverConnector func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error)

// EventHub watches the filtered blocks of one peer and dispatches the
// validation code of every transaction to the callback registered for it.
// One EventHub is shared by every transaction of a client.
type EventHub struct {
	address   string
	channel   string
	signer    Identity
	connector DeliverConnector
	logger    *log.Logger

	// Protects txRegistrants, client and cancel
	mtx           sync.RWMutex
	txRegistrants map[string]TxCallback
	client        peer.Deliver_DeliverFilteredClient
	cancel        context.CancelFunc
	done          chan struct{}

	connected *atomic.Bool
}

func NewEventHub(address, channel string, signer Identity, connector DeliverConnector, logger *log.Logger) *EventHub {
	return &EventHub{
		address:       address,
		channel:       channel,
		signer:        signer,
		connector:     connector,
		logger:        logger,
		txRegistrants: make(map[string]TxCallback),
		connected:     atomic.NewBool(false),
	}
}

func (h *EventHub) Address() string {
	return h.address
}

// IsConnected gets connected state of eventhub
func (h *EventHub) IsConnected() bool {
	return h.connected.Load()
}

// Connect opens the deliver stream and starts dispatching blocks
func (h *EventHub) Connect() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.connected.Load() {
		h.logger.Debugf("Nothing to do - EventHub %s already connected", h.address)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := h.connector(ctx)
	if err != nil {
		cancel()
		return &ConnectionError{Endpoint: h.address, Err: errors.WithMessage(err, "fail to create DeliverFilteredClient")}
	}

	envelope, err := CreateSignedDeliverNewestEnv(h.channel, h.signer)
	if err != nil {
		cancel()
		return errors.WithMessage(err, "fail to create SignedEnvelope")
	}

	if err = client.Send(envelope); err != nil {
		cancel()
		return &ConnectionError{Endpoint: h.address, Err: errors.WithMessage(err, "fail to send SignedEnvelope")}
	}

	h.client = client
	h.cancel = cancel
	h.done = make(chan struct{})
	h.connected.Store(true)

	go h.receiveFilteredBlock(client, h.done)

	h.logger.Infof("Connected to event endpoint %s", h.address)
	return nil
}

// Disconnect closes the stream. Pending registrations are told the connection is gone.
func (h *EventHub) Disconnect() {
	h.mtx.Lock()
	if !h.connected.Load() {
		h.mtx.Unlock()
		return
	}
	h.connected.Store(false)
	client, cancel, done := h.client, h.cancel, h.done
	h.mtx.Unlock()

	client.CloseSend()
	cancel()
	<-done

	h.logger.Infof("Disconnected from event endpoint %s", h.address)
}

// RegisterTxEvent registers a callback for the commit outcome of txid.
// Only one registration per transaction is allowed at a time.
func (h *EventHub) RegisterTxEvent(txid string, callback TxCallback) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if !h.connected.Load() {
		return &ConnectionError{Endpoint: h.address, Err: errors.New("not connected")}
	}
	if _, ok := h.txRegistrants[txid]; ok {
		return errors.WithMessagef(ErrAlreadyWatching, "%s on %s", txid, h.address)
	}

	h.logger.Debugf("reg txid %s on %s", txid, h.address)
	h.txRegistrants[txid] = callback
	return nil
}

// UnregisterTxEvent unregister transactional event registration
func (h *EventHub) UnregisterTxEvent(txid string) {
	h.mtx.Lock()
	delete(h.txRegistrants, txid)
	h.mtx.Unlock()
}

func (h *EventHub) registrant(txid string) TxCallback {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.txRegistrants[txid]
}

func (h *EventHub) receiveFilteredBlock(client peer.Deliver_DeliverFilteredClient, done chan struct{}) {
	defer close(done)

	for {
		deliverResponse, err := client.Recv()
		if err != nil {
			h.disconnected(err)
			return
		}

		switch t := deliverResponse.Type.(type) {
		case *peer.DeliverResponse_FilteredBlock:
			h.processFilteredBlock(t.FilteredBlock)
		case *peer.DeliverResponse_Status:
			h.logger.Infof("Status from %s: %s", h.address, t.Status)
		default:
			h.logger.Infof("Unknown DeliverResponse type from %s", h.address)
		}
	}
}

func (h *EventHub) processFilteredBlock(fb *peer.FilteredBlock) {
	if fb == nil {
		return
	}
	for _, tx := range fb.FilteredTransactions {
		callback := h.registrant(tx.GetTxid())
		if callback == nil {
			continue
		}
		callback(tx.GetTxid(), tx.TxValidationCode, nil)
	}
}

// disconnected releases the stream and tells every pending registration
// that no more events will come
func (h *EventHub) disconnected(err error) {
	h.mtx.Lock()
	wasConnected := h.connected.Swap(false)
	cancel := h.cancel
	pending := make(map[string]TxCallback, len(h.txRegistrants))
	for txid, callback := range h.txRegistrants {
		pending[txid] = callback
	}
	h.mtx.Unlock()

	// Disconnect returns early once the hub is no longer connected
	cancel()

	if err == io.EOF || !wasConnected {
		err = errors.New("event stream closed")
	} else {
		h.logger.Errorf("Fail to receive deliver response from %s: %v", h.address, err)
	}

	for txid, callback := range pending {
		callback(txid, peer.TxValidationCode_INVALID_OTHER_REASON, err)
	}
}
