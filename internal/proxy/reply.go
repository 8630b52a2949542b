package proxy

import "errors"

// Reply is one backend datagram bound for the original source. Many
// session rx loops produce Replies onto a single shared channel; the
// aggregator is the sole consumer.
type Reply struct {
	Source SourceEndpoint
	Data   []byte
}

// replyChanCapacity buffers replies so a burst across many sessions does
// not stall individual rx loops while the aggregator catches up.
const replyChanCapacity = 256

var errAggregatorGone = errors.New("aggregator gone: proxy is shutting down")
