// Package inmemory provides an in-process broker implementing the messaging
// transport contract.
//
// Only the default exchange routes messages: a publish with routing key K
// lands on queue K, or is dropped when no such queue exists. Named exchanges
// may be declared but carry no bindings.
//
// Example usage:
//
//	broker := inmemory.NewBroker()
//	client, err := messaging.NewRPCClient(ctx, broker.Dial())
package inmemory
