package opt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRouteReference marks an order whose route_id does not resolve. Non-fatal per order.
	ErrInvalidRouteReference = errors.New("invalid route reference")
	// ErrConfiguration marks run or policy configuration that must abort a run before any mutation.
	ErrConfiguration = errors.New("configuration error")
	// ErrNoDriversAvailable is reported (not returned) when a run has no drivers to assign to.
	ErrNoDriversAvailable = errors.New("no drivers available")
)

// InvalidRouteError names the order and the dangling route id.
type InvalidRouteError struct {
	OrderID string
	RouteID string
}

func (e *InvalidRouteError) Error() string {
	return fmt.Sprintf("order %s: route %q not found", e.OrderID, e.RouteID)
}

func (e *InvalidRouteError) Is(target error) bool { return target == ErrInvalidRouteReference }

// ConfigError describes one rejected configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }
