package models

type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusProcessing PaymentStatus = "PROCESSING"
	StatusCompleted  PaymentStatus = "COMPLETED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusRefunded   PaymentStatus = "REFUNDED"
	StatusCancelled  PaymentStatus = "CANCELLED"
)

var PaymentStatuses = []PaymentStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled,
}

func (s PaymentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition may leave s.
func (s PaymentStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// transitions is the single source of truth for which status changes are legal.
// Every mutating ledger operation consults it.
var transitions = map[PaymentStatus]map[PaymentStatus]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending:    true,
		StatusProcessing: true,
		StatusCompleted:  true,
		StatusCancelled:  true,
	},
	StatusCompleted: {
		StatusRefunded: true,
	},
	StatusRefunded:  {},
	StatusCancelled: {},
}

// CanTransition reports whether a payment in status from may move to status to.
func CanTransition(from, to PaymentStatus) bool {
	return transitions[from][to]
}

// Effects lists what entering a status triggers beyond the status change itself.
type Effects struct {
	StampCompletion  bool
	ReleaseInventory bool
	NotifyUser       bool
	UserNoticeType   string
}

var effects = map[PaymentStatus]Effects{
	StatusCompleted: {StampCompletion: true, NotifyUser: true, UserNoticeType: "PAYMENT_SUCCESS"},
	StatusFailed:    {ReleaseInventory: true},
	StatusCancelled: {ReleaseInventory: true},
	StatusRefunded:  {NotifyUser: true, UserNoticeType: "PAYMENT_REFUNDED"},
}

func EffectsOf(to PaymentStatus) Effects {
	return effects[to]
}
