package payments

import "strings"

// FailureCategory groups processor decline codes into the few cases users
// and operators act on differently.
type FailureCategory string

const (
	FailureInsufficientFunds FailureCategory = "insufficient_funds"
	FailureExpiredCard       FailureCategory = "expired_card"
	FailureAuthRequired      FailureCategory = "authentication_required"
	FailureDeclined          FailureCategory = "card_declined"
	FailureProcessing        FailureCategory = "processing_error"
	FailureOther             FailureCategory = "other"
)

var failureCodes = map[string]FailureCategory{
	"insufficient_funds":      FailureInsufficientFunds,
	"expired_card":            FailureExpiredCard,
	"authentication_required": FailureAuthRequired,
	"card_declined":           FailureDeclined,
	"generic_decline":         FailureDeclined,
	"do_not_honor":            FailureDeclined,
	"lost_card":               FailureDeclined,
	"stolen_card":             FailureDeclined,
	"fraudulent":              FailureDeclined,
	"incorrect_cvc":           FailureDeclined,
	"processing_error":        FailureProcessing,
	"try_again_later":         FailureProcessing,
}

// ClassifyFailure maps a decline code to its category.
func ClassifyFailure(code string) FailureCategory {
	if c, ok := failureCodes[strings.ToLower(strings.TrimSpace(code))]; ok {
		return c
	}
	return FailureOther
}

// FailureReason renders the stored and user-facing reason of a failed charge.
func FailureReason(code, message string) string {
	category := ClassifyFailure(code)
	if message == "" {
		return string(category)
	}
	return string(category) + ": " + message
}

func userFailureText(category FailureCategory) string {
	switch category {
	case FailureInsufficientFunds:
		return "Your card has insufficient funds."
	case FailureExpiredCard:
		return "Your card has expired. Please add a new payment method."
	case FailureAuthRequired:
		return "Your bank requires you to confirm this payment. Please top up manually with /topup."
	case FailureDeclined:
		return "Your card was declined."
	case FailureProcessing:
		return "The payment could not be processed. Please try again later."
	default:
		return "Your payment did not go through."
	}
}
