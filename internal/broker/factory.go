package broker

import (
	"fmt"

	"github.com/darkden-lab/relay/internal/config"
	"github.com/darkden-lab/relay/internal/logging"
)

// NewTransport builds the transport selected by cfg.Transport.
func NewTransport(cfg config.BrokerConfig) (Transport, error) {
	switch cfg.Transport {
	case "", "amqp":
		logging.Info().Str("transport", "amqp").Str("queue", cfg.Queue).Msg("broker: using RabbitMQ transport")
		return NewAMQPTransport(cfg.URL), nil
	case "kafka":
		logging.Info().
			Str("transport", "kafka").
			Strs("brokers", cfg.KafkaBrokers).
			Str("group", cfg.KafkaConsumerGroup).
			Msg("broker: using Kafka transport")
		return NewKafkaTransport(KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		})
	default:
		return nil, fmt.Errorf("unknown broker transport %q", cfg.Transport)
	}
}
