package realtime

import "context"

// Replicator carries bus frames between server instances.
//
// Publish must preserve the order of calls from one instance. Subscribe blocks,
// calling handle for every frame (including this instance's own), until ctx
// ends or the subscription fails.
type Replicator interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, handle func([]byte)) error
	Close() error
}
