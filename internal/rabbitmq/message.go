package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Content defaults for log messages
const (
	ContentTypeText = "text/plain"
	ContentEncoding = "utf8"
)

// Properties are the broker-level metadata sent with a message
type Properties struct {
	ContentType     string
	ContentEncoding string
	Timestamp       time.Time
	AppID           string
	UserID          string
	MessageID       string
	Headers         amqp.Table
}

// Message is a single payload waiting to be published. It is not modified
// after creation; a message held in the backlog is replayed exactly as it
// would have been sent directly.
type Message struct {
	Body       []byte
	RoutingKey string
	Properties Properties
}

// Publishing converts the message into the wire representation
func (m Message) Publishing() amqp.Publishing {
	return amqp.Publishing{
		Headers:         m.Properties.Headers,
		ContentType:     m.Properties.ContentType,
		ContentEncoding: m.Properties.ContentEncoding,
		// AMQP timestamps carry whole seconds
		Timestamp: m.Properties.Timestamp.Truncate(time.Second),
		AppId:     m.Properties.AppID,
		UserId:    m.Properties.UserID,
		MessageId: m.Properties.MessageID,
		Body:      m.Body,
	}
}
