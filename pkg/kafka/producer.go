// Package kafka builds sarama clients from configuration.
package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ProducerConfig selects brokers and delivery guarantees.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	RetryMax int
}

// NewSyncProducer returns a producer that waits for the partition leader to
// acknowledge each message.
func NewSyncProducer(cfg ProducerConfig, logger *zap.Logger) (sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = cfg.RetryMax
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Compression = sarama.CompressionSnappy

	prod, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logger.Info("Kafka producer connected", zap.Strings("brokers", cfg.Brokers))
	return prod, nil
}
