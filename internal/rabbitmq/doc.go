// Package rabbitmq provides the AMQP plumbing behind the RabbitMQ bus transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with backoff
//   - ChannelPool: reuses channels between publishes
//   - Publisher: publishes with broker confirms
//   - Consumer: runs one sequential delivery loop per queue
//   - TopologyManager: declares exchanges, queues and bindings
package rabbitmq
