package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// ConsumerConfig selects brokers and the consumer group.
type ConsumerConfig struct {
	Brokers  []string
	ClientID string
	GroupID  string
}

// NewConsumerGroup joins GroupID, starting from the newest offset when the
// group has no committed offset yet.
func NewConsumerGroup(cfg ConsumerConfig, logger *zap.Logger) (sarama.ConsumerGroup, error) {
	saramaCfg := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	}
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	logger.Info("Kafka consumer group joined", zap.Strings("brokers", cfg.Brokers), zap.String("group", cfg.GroupID))
	return group, nil
}
