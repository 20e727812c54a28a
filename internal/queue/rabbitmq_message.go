package queue

import (
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ MessageInterface = (*Message)(nil)

// ErrAlreadySettled is returned when a delivery is acked or nacked a second time.
// The broker closes the channel on a repeated delivery tag, so the second call never reaches it.
var ErrAlreadySettled = errors.New("message already settled")

// Message wraps a Job with its RabbitMQ delivery information
type Message struct {
	Job         *Job
	DeliveryTag uint64
	Acker       amqp.Acknowledger

	mu      sync.Mutex
	settled bool
}

func (m *Message) settle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return ErrAlreadySettled
	}
	m.settled = true
	return nil
}

// Ack acknowledges the message
func (m *Message) Ack() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.Acker.Ack(m.DeliveryTag, false)
}

// Nack negatively acknowledges the message; without requeue it is dead-lettered
func (m *Message) Nack(requeue bool) error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.Acker.Nack(m.DeliveryTag, false, requeue)
}

// GetJob returns the decoded job
func (m *Message) GetJob() *Job {
	return m.Job
}
