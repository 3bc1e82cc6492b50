package repository

// MessageBus publishes ledger events to downstream consumers.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

const TopicPaymentSettled = "payments.settled"

// NopBus drops every message. Used when no bus provider is configured.
type NopBus struct{}

func (NopBus) Publish(string, []byte) error { return nil }
