package settle

import (
	"fmt"
	"time"
)

// ResourceState is the lifecycle state of a tracked resource.
type ResourceState int

const (
	// ResourceDiscovered means a request for the resource has been initiated.
	ResourceDiscovered ResourceState = iota
	// ResourceLoaded means the request has finished, successfully or not.
	ResourceLoaded
)

// String returns the name of the state.
func (s ResourceState) String() string {
	switch s {
	case ResourceDiscovered:
		return "discovered"
	case ResourceLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("ResourceState(%d)", int(s))
	}
}

// ResourceStateEvent is the normalized event every monitor emits. Timestamp and LoadTime are
// only meaningful when State is ResourceLoaded.
type ResourceStateEvent struct {
	State ResourceState
	URL   string

	Timestamp time.Time     // When the resource finished loading
	LoadTime  time.Duration // Elapsed time from initiation to completion
}

// Discovered returns a ResourceDiscovered event for the given URL.
func Discovered(url string) ResourceStateEvent {
	return ResourceStateEvent{State: ResourceDiscovered, URL: url}
}

// Loaded returns a ResourceLoaded event for the given URL.
func Loaded(url string, timestamp time.Time, loadTime time.Duration) ResourceStateEvent {
	return ResourceStateEvent{
		State:     ResourceLoaded,
		URL:       url,
		Timestamp: timestamp,
		LoadTime:  loadTime,
	}
}

// ResourceStateHandler consumes resource state events. Handlers are invoked synchronously from
// monitor goroutines and must be safe for concurrent use.
type ResourceStateHandler func(ResourceStateEvent)
