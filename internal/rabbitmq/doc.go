// Package rabbitmq owns the AMQP connection used by the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with PLAIN credentials, heartbeat and
//     an optional dial retry policy, and reports connection loss to listeners
//   - Error helpers that classify broker exceptions by reply code
//
// Connections are not re-established after loss. Reply queues are exclusive to
// the connection that declared them, so callers rebuild their clients instead.
package rabbitmq
