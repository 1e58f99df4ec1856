package infra

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotEnrolled     = errors.New("identity is not enrolled")
	ErrNoTargets       = errors.New("no endorsement targets")
	ErrNoEventSources  = errors.New("no event endpoints configured to confirm the commit")
	ErrTxInFlight      = errors.New("transaction is already in flight")
	ErrAlreadyWatching = errors.New("already registered for transaction")
	ErrClientClosed    = errors.New("client is closed")
)

// ProposalRejectedError reports the first endorsement response that failed the acceptance policy
type ProposalRejectedError struct {
	Endorser string
	Status   int32
	Message  string
}

func (e *ProposalRejectedError) Error() string {
	return fmt.Sprintf("proposal rejected by %s: status %d, message %s", e.Endorser, e.Status, e.Message)
}

// QuorumError reports a target set too small to ever reach the quorum
type QuorumError struct {
	Required int
	Targets  int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("quorum of %d endorsements cannot be reached with %d targets", e.Required, e.Targets)
}

// SubmissionError reports that the orderer could not be reached or refused the envelope
type SubmissionError struct {
	Orderer string
	Status  string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission to %s failed: %v", e.Orderer, e.Err)
	}
	return fmt.Sprintf("submission to %s rejected with status %s", e.Orderer, e.Status)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// CommitInvalidError reports an event endpoint that saw the transaction committed as invalid
type CommitInvalidError struct {
	Endpoint string
	Code     string
}

func (e *CommitInvalidError) Error() string {
	return fmt.Sprintf("transaction committed as invalid on %s: %s", e.Endpoint, e.Code)
}

// CommitTimeoutError reports an event endpoint that did not confirm the transaction in time
type CommitTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

func (e *CommitTimeoutError) Error() string {
	return fmt.Sprintf("no commit notification from %s within %s", e.Endpoint, e.Timeout)
}

// CommitCancelledError reports that the caller gave up on the commit outcome
// before the event endpoint confirmed it. The transaction may still commit.
type CommitCancelledError struct {
	Endpoint string
	Err      error
}

func (e *CommitCancelledError) Error() string {
	return fmt.Sprintf("stopped waiting for commit notification from %s: %v", e.Endpoint, e.Err)
}

func (e *CommitCancelledError) Unwrap() error { return e.Err }

// ConnectionError is a transport failure towards a single endpoint
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Outcome is the terminal state of one transaction attempt
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeCommitted
	OutcomeRejected
	OutcomeSubmissionFailed
	OutcomeInvalid
	OutcomeTimeout
	OutcomeConnectionFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "Committed"
	case OutcomeRejected:
		return "ProposalRejected"
	case OutcomeSubmissionFailed:
		return "SubmissionError"
	case OutcomeInvalid:
		return "CommitInvalid"
	case OutcomeTimeout:
		return "CommitTimeout"
	case OutcomeConnectionFailed:
		return "ConnectionError"
	case OutcomeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// OutcomeOf classifies err into the terminal outcome it stands for
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeCommitted
	}

	var rejected *ProposalRejectedError
	var quorum *QuorumError
	var submission *SubmissionError
	var invalid *CommitInvalidError
	var timeout *CommitTimeoutError
	var connection *ConnectionError
	var cancelled *CommitCancelledError
	switch {
	case errors.As(err, &rejected), errors.As(err, &quorum):
		return OutcomeRejected
	case errors.As(err, &submission):
		return OutcomeSubmissionFailed
	case errors.As(err, &invalid):
		return OutcomeInvalid
	case errors.As(err, &timeout):
		return OutcomeTimeout
	case errors.As(err, &connection):
		return OutcomeConnectionFailed
	case errors.As(err, &cancelled):
		return OutcomeCancelled
	default:
		return OutcomeUnknown
	}
}
