// Package bus provides the local publish/subscribe fabric connecting the
// driver adapter to the downstream bridges. Topics follow the
// device/property convention; subscribers match by exact topic or by
// pattern with "+" (one level) and "#" (remaining levels).
//
// The Bus interface is the seam between components: any conforming broker
// can back it, and the bridges never share state except through it.
package bus

import (
	"remscope/pkg/indi"
)

// DefaultQueue is the per-subscription buffer when the caller does not pick
// one. When a subscriber falls behind, the oldest queued message is dropped
// so publishers never block.
const DefaultQueue = 64

// Bus is the publish/subscribe seam.
//
// Publish stamps the message's Seq and fans it out; delivery order within
// one topic matches publish order for every subscriber. Define and set
// operations are retained per topic and replayed to new subscribers; delete
// operations clear retained state for the topic (or the whole device when
// the message names no property).
type Bus interface {
	Publish(topic string, m *indi.Message)
	Subscribe(pattern string, queue int) (Subscription, error)
}

// Subscription is a live pattern subscription.
type Subscription interface {
	// C is the delivery channel. It closes when the subscription is
	// canceled or the bus shuts down.
	C() <-chan *indi.Message
	// Cancel detaches the subscription and closes C.
	Cancel()
}
