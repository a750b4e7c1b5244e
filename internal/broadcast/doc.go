// Package broadcast provides the router's generic subscriber channel.
//
// Consumers that are neither the correlation registry, the status tracker
// nor the content assembler (UIs, archivers, loggers) subscribe by topic:
//
//	ch, _ := b.Subscribe(ctx, "validation")       // every validation.* event
//	ch, _ := b.Subscribe(ctx, "content.complete") // one event type
//	ch, _ := b.Subscribe(ctx, broadcast.TopicAll) // everything routed
//
// Publish never blocks; a full subscriber misses events.
package broadcast
