// Package transport implements the Redis-backed partitioned stream
// transport: atomic command/projection writes via embedded Lua, partitioned
// event streams with dead-letter overflow, and the command dedup log.
package transport

import "fmt"

// EventStreamKey is the per-aggregate event stream a command transaction
// appends to.
func EventStreamKey(aggregateID string) string {
	return fmt.Sprintf("events:%s", aggregateID)
}

// TypeStreamKey is the per-aggregate-type broadcast stream.
func TypeStreamKey(aggregateType string) string {
	return fmt.Sprintf("aggregateType:%s", aggregateType)
}

// TypeCounterKey tracks how many events of a given aggregate type have been
// broadcast, independent of stream trimming.
func TypeCounterKey(aggregateType string) string {
	return fmt.Sprintf("aggregateTypeCounter:%s", aggregateType)
}

// SnapshotKey is where the latest snapshot blob for an aggregate lives.
func SnapshotKey(aggregateType, aggregateID string) string {
	return fmt.Sprintf("snapshot:%s:%s", aggregateType, aggregateID)
}

// ProjectionVersionKey guards a projection's expected-version commits.
func ProjectionVersionKey(aggregateID string) string {
	return fmt.Sprintf("projectionVersion:%s", aggregateID)
}

// PartitionStreamKey is a named, partitioned outbound stream.
func PartitionStreamKey(streamName string, partition int) string {
	return fmt.Sprintf("%s:%d", streamName, partition)
}

// DailyTypeStreamKey buckets aggregate-type events by UTC calendar day.
func DailyTypeStreamKey(aggregateType, yyyymmdd string) string {
	return fmt.Sprintf("events:%s:%s", aggregateType, yyyymmdd)
}

// DeadLetterStreamKey is the overflow stream for a given named stream.
func DeadLetterStreamKey(streamName string) string {
	return fmt.Sprintf("%s:dlq", streamName)
}

// CommandDedupKey stores the cached result of a previously executed command.
func CommandDedupKey(commandID string) string {
	return fmt.Sprintf("command:%s", commandID)
}

// HeartbeatKey, AssignmentKey, GenerationKey and LockKey are the per-group
// coordination keys used by the consumer coordinator.
func HeartbeatKey(group string) string {
	return fmt.Sprintf("heartbeats:%s", group)
}

func AssignmentKey(group string) string {
	return fmt.Sprintf("assignment:%s", group)
}

func GenerationKey(group string) string {
	return fmt.Sprintf("generation:%s", group)
}

func LockKey(group string) string {
	return fmt.Sprintf("lock:%s", group)
}
