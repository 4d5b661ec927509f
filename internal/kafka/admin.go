package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lsm/docsink/internal/retry"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Preflight verifies that the consumed topics exist and creates the
// dead letter topic when it is missing. Run once at startup; transient
// metadata failures are retried with backoff.
func Preflight(ctx context.Context, cluster *ClusterConfig, topics []string, dlqTopic string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := ClientOptions(cluster)
	if err != nil {
		return fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka admin client: %w", err)
	}
	defer client.Close()
	adm := kadm.NewClient(client)

	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		list := topics
		if dlqTopic != "" {
			list = append(append([]string{}, topics...), dlqTopic)
		}
		details, err := adm.ListTopics(ctx, list...)
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}

		for _, topic := range topics {
			if !details.Has(topic) {
				return retry.Permanent(fmt.Errorf("topic %q does not exist", topic))
			}
		}

		if dlqTopic != "" && !details.Has(dlqTopic) {
			logger.Info("creating dead letter topic", "topic", dlqTopic)
			if _, err := adm.CreateTopic(ctx, -1, -1, nil, dlqTopic); err != nil {
				return fmt.Errorf("create dead letter topic %s: %w", dlqTopic, err)
			}
		}
		return nil
	})
}
