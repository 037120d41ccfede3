package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config is used to establish a connection with an AMQP 0-9-1 broker.
type Config struct {
	// URL is a full amqp(s):// connection string.
	URL string
}

// Validate parses the URL and rejects anything that is not amqp or amqps.
func (c Config) Validate() error {
	_, err := amqp.ParseURI(c.URL)

	return err
}
