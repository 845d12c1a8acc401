package orders

import (
	"fmt"
	"time"

	"github.com/marumoto/storefront-backend/pkg/enums"
	pkgerrors "github.com/marumoto/storefront-backend/pkg/errors"
)

// Action is a requested move through the order lifecycle.
type Action string

const (
	ActionConfirm       Action = "confirm"
	ActionRequestCancel Action = "request_cancel"
	ActionConfirmCancel Action = "confirm_cancel"
	ActionStopCancel    Action = "stop_cancel"
	ActionShip          Action = "ship"
	ActionRequestReturn Action = "request_return"
	ActionStopReturn    Action = "stop_return"
	ActionComplete      Action = "complete"
)

var validActions = []Action{
	ActionConfirm,
	ActionRequestCancel,
	ActionConfirmCancel,
	ActionStopCancel,
	ActionShip,
	ActionRequestReturn,
	ActionStopReturn,
	ActionComplete,
}

// ParseAction converts raw input into an Action.
func ParseAction(value string) (Action, error) {
	for _, candidate := range validActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order action %q", value)
}

const (
	// ReturnWindow bounds how long after the order was placed a return may be
	// requested.
	ReturnWindow = 32 * 24 * time.Hour
	// ShippedCompleteAfter is the order age at which a shipped order completes.
	ShippedCompleteAfter = 32 * 24 * time.Hour
	// ReturningCompleteAfter closes out returns that never came back.
	ReturningCompleteAfter = 30 * 24 * time.Hour
)

// TransitionContext carries the facts guards need beyond the bare status.
type TransitionContext struct {
	PaymentSucceeded bool
	CreatedAt        time.Time
	ShippedAt        *time.Time
	ReturnAt         *time.Time
	Now              time.Time
}

type transitionSpec struct {
	sources []enums.OrderStatus
	target  func(TransitionContext) enums.OrderStatus
	guard   func(enums.OrderStatus, TransitionContext) error
}

func fixed(status enums.OrderStatus) func(TransitionContext) enums.OrderStatus {
	return func(TransitionContext) enums.OrderStatus { return status }
}

var transitions = map[Action]transitionSpec{
	ActionConfirm: {
		sources: []enums.OrderStatus{enums.OrderStatusNew},
		target:  fixed(enums.OrderStatusConfirmed),
		guard: func(_ enums.OrderStatus, c TransitionContext) error {
			if !c.PaymentSucceeded {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "cannot confirm an order before its payment succeeds")
			}
			return nil
		},
	},
	ActionRequestCancel: {
		sources: []enums.OrderStatus{enums.OrderStatusNew, enums.OrderStatusConfirmed},
		target:  fixed(enums.OrderStatusCancelling),
	},
	ActionConfirmCancel: {
		sources: []enums.OrderStatus{enums.OrderStatusCancelling},
		target:  fixed(enums.OrderStatusCancelled),
	},
	ActionStopCancel: {
		sources: []enums.OrderStatus{enums.OrderStatusCancelling},
		target: func(c TransitionContext) enums.OrderStatus {
			// a paid order resumes as confirmed, an unpaid one as new
			if c.PaymentSucceeded {
				return enums.OrderStatusConfirmed
			}
			return enums.OrderStatusNew
		},
	},
	ActionShip: {
		sources: []enums.OrderStatus{enums.OrderStatusConfirmed},
		target:  fixed(enums.OrderStatusShipped),
	},
	ActionRequestReturn: {
		sources: []enums.OrderStatus{enums.OrderStatusShipped},
		target:  fixed(enums.OrderStatusReturning),
		guard: func(_ enums.OrderStatus, c TransitionContext) error {
			if c.Now.Sub(c.CreatedAt) >= ReturnWindow {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "return window has closed")
			}
			return nil
		},
	},
	ActionStopReturn: {
		sources: []enums.OrderStatus{enums.OrderStatusReturning},
		target:  fixed(enums.OrderStatusShipped),
	},
	ActionComplete: {
		sources: []enums.OrderStatus{enums.OrderStatusShipped, enums.OrderStatusReturning},
		target:  fixed(enums.OrderStatusCompleted),
		guard: func(current enums.OrderStatus, c TransitionContext) error {
			switch current {
			case enums.OrderStatusShipped:
				if c.Now.Sub(c.CreatedAt) < ShippedCompleteAfter {
					return pkgerrors.New(pkgerrors.CodeInvalidTransition, "shipped order is still inside the return window")
				}
			case enums.OrderStatusReturning:
				if c.ReturnAt == nil || c.Now.Sub(*c.ReturnAt) < ReturningCompleteAfter {
					return pkgerrors.New(pkgerrors.CodeInvalidTransition, "return is still pending")
				}
			}
			return nil
		},
	},
}

// Transition resolves the next status for an action, or an invalid-transition
// error naming the current status and action.
func Transition(current enums.OrderStatus, action Action, c TransitionContext) (enums.OrderStatus, error) {
	spec, ok := transitions[action]
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown action %q", action))
	}

	allowed := false
	for _, source := range spec.sources {
		if source == current {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", pkgerrors.New(pkgerrors.CodeInvalidTransition,
			fmt.Sprintf("cannot %s an order in status %s", action, current)).
			WithDetails(map[string]any{"status": current.String(), "action": string(action)})
	}

	if spec.guard != nil {
		if err := spec.guard(current, c); err != nil {
			return "", err
		}
	}

	return spec.target(c), nil
}
