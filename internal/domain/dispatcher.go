// internal/domain/dispatcher.go
package domain

import "context"

// Dispatcher is the dispatch engine as seen by the services that reconfigure it at runtime.
type Dispatcher interface {
	StartDestination(ctx context.Context, name string) error
	StopDestination(name string)
	Destinations() []string
	Running() bool
}
