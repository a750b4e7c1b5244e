// Package heartbeat keeps a connection honest.
//
// While running, the Monitor sends a ping every interval. Each pong resets
// the missed counter. If no pong arrives within Multiple intervals (2 by
// default) the Monitor stops and calls OnTimeout, so the owner can recycle a
// link whose transport never reported closure.
package heartbeat
