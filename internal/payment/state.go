package payment

import "github.com/noah-isme/backend-stays/internal/provider"

// transitions is the closed set of legal status moves. Anything absent is
// rejected, which is what makes duplicate and out-of-order webhooks safe to
// apply blindly.
var transitions = map[Status][]Status{
	StatusInitiated: {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusRefunded},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which the target is reachable. The
// store uses this set as the guard of its compare-and-swap update.
func SourcesFor(to Status) []Status {
	var out []Status
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// StatusForEvent maps a verified webhook event onto the payment status it
// drives toward. Pending events carry no transition.
func StatusForEvent(t provider.EventType) (Status, bool) {
	switch t {
	case provider.EventPaymentSuccess:
		return StatusConfirmed, true
	case provider.EventPaymentFailed:
		return StatusFailed, true
	case provider.EventRefundSuccess:
		return StatusRefunded, true
	default:
		return "", false
	}
}
