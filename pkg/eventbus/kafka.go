package eventbus

import (
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewGoChannelBus returns an in-process bus, the default for single-node
// deployments and tests.
func NewGoChannelBus(logger watermill.LoggerAdapter) *WatermillEventBus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)

	return NewWatermillEventBus(pubSub, pubSub)
}

// NewKafkaBus returns a Kafka-backed bus for multi-process deployments.
// Broker addresses come from KAFKA_BROKERS as a comma-separated list, with
// a compose-friendly default.
func NewKafkaBus(logger watermill.LoggerAdapter, consumerGroup string) (*WatermillEventBus, error) {
	brokers := []string{"kafka:9092"}
	if hosts := os.Getenv("KAFKA_BROKERS"); hosts != "" {
		brokers = strings.Split(hosts, ",")
	}

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         consumerGroup,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return NewWatermillEventBus(publisher, subscriber), nil
}
