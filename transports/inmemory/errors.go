package inmemory

import "errors"

var (
	ErrConnectionClosed   = errors.New("inmemory: connection is closed")
	ErrChannelClosed      = errors.New("inmemory: channel is closed")
	ErrExchangeNotFound   = errors.New("inmemory: exchange not found")
	ErrResourceLocked     = errors.New("inmemory: queue is exclusive to another connection")
	ErrAccessRefused      = errors.New("inmemory: queue has an exclusive consumer")
	ErrPreconditionFailed = errors.New("inmemory: declaration does not match existing entity")
	ErrUnknownDeliveryTag = errors.New("inmemory: unknown delivery tag")
	ErrDuplicateConsumer  = errors.New("inmemory: consumer tag already in use")
)
