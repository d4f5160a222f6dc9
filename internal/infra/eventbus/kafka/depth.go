package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// Depth reports the total consumer lag across every topic the bus routes to:
// the sum over all partitions of newest offset minus the group's committed
// offset. The orchestrator's sequential mode polls this to decide when a
// stage has drained. Delayed redeliveries are produced immediately with a
// not-before mark, so jobs waiting out a backoff window count as lag here.
// Offset commits are batched on the consumer side, so readings can run a
// little stale; drain polling absorbs that with consecutive zero checks.
func (b *EventBus) Depth(ctx context.Context) (int64, error) {
	topicSet := make(map[string]struct{})
	for _, topic := range b.topicMap {
		if topic != "" {
			topicSet[topic] = struct{}{}
		}
	}

	admin, err := sarama.NewClusterAdminFromClient(b.client)
	if err != nil {
		return 0, fmt.Errorf("failed to create cluster admin: %w", err)
	}

	partitionsByTopic := make(map[string][]int32, len(topicSet))
	for topic := range topicSet {
		partitions, err := b.client.Partitions(topic)
		if err != nil {
			return 0, fmt.Errorf("failed to list partitions for topic %s: %w", topic, err)
		}
		partitionsByTopic[topic] = partitions
	}

	offsets, err := admin.ListConsumerGroupOffsets(b.groupID, partitionsByTopic)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch consumer group offsets: %w", err)
	}

	var depth int64
	for topic, partitions := range partitionsByTopic {
		for _, partition := range partitions {
			newest, err := b.client.GetOffset(topic, partition, sarama.OffsetNewest)
			if err != nil {
				return 0, fmt.Errorf("failed to get newest offset for %s/%d: %w", topic, partition, err)
			}

			committed := int64(0)
			if block := offsets.GetBlock(topic, partition); block != nil && block.Offset >= 0 {
				committed = block.Offset
			} else {
				// No commit yet for this partition: everything from the
				// oldest retained offset counts as pending.
				oldest, err := b.client.GetOffset(topic, partition, sarama.OffsetOldest)
				if err != nil {
					return 0, fmt.Errorf("failed to get oldest offset for %s/%d: %w", topic, partition, err)
				}
				committed = oldest
			}

			if lag := newest - committed; lag > 0 {
				depth += lag
			}
		}
	}

	return depth, nil
}
