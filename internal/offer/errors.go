package offer

import "errors"

var (
	// ErrWorkItemNotFound is returned when the broadcast target does not exist.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrNotAvailable is returned when the work item is not in an offerable
	// state (already assigned or not open). Not retryable.
	ErrNotAvailable = errors.New("work item not available for offer")

	// ErrNoRecipients is returned when a broadcast targets zero users.
	ErrNoRecipients = errors.New("offer has no eligible recipients")

	// ErrAlreadyBroadcast is returned when an open offer already exists for
	// the work item.
	ErrAlreadyBroadcast = errors.New("open offer already exists for work item")

	// ErrNotARecipient is returned when accept is called by a user the
	// offer was never delivered to.
	ErrNotARecipient = errors.New("user is not a recipient of this offer")

	// ErrOfferNotOpen is returned when cancel targets an offer that is
	// missing or already terminal.
	ErrOfferNotOpen = errors.New("offer is not open")

	// ErrClaimTransaction indicates the claim CAS landed but the work-item
	// assignment in the same transaction failed, forcing a rollback. The
	// claim did not happen; the caller may retry. This is an infrastructure
	// fault, never a business outcome.
	ErrClaimTransaction = errors.New("claim transaction failed and was rolled back")
)

// Race-lost reasons carried on AcceptResult. Losing is a protocol outcome,
// not an error.
const (
	ReasonAlreadyClaimed    = "already_claimed"
	ReasonNotFoundOrExpired = "offer_not_found_or_expired"
)

// AcceptResult is the outcome of an accept call. Won is true for exactly
// one caller per offer; everyone else gets a reason.
type AcceptResult struct {
	Won    bool
	Reason string
}
