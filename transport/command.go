package transport

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
)

//go:embed scripts/command_transaction.lua
var commandTransactionSource string

var commandTransactionScript = redis.NewScript(commandTransactionSource)

// AggregateWrite appends one event to an aggregate's stream. ExpectedVersion
// is the version the appended event takes: the stream must currently hold
// exactly ExpectedVersion-1 entries.
type AggregateWrite struct {
	AggregateID     string
	ExpectedVersion uint64
	Event           []byte
}

// TypeBroadcast appends one event to an aggregate type's broadcast stream,
// optionally bumping its running counter.
type TypeBroadcast struct {
	AggregateType string
	Event         []byte
	IncrCounter   bool
}

// SnapshotWrite overwrites an aggregate's snapshot key.
type SnapshotWrite struct {
	AggregateType string
	AggregateID   string
	Blob          []byte
}

// Command is one atomic unit: a commandId for idempotency, the result to
// cache on first success, and the aggregate/broadcast/snapshot writes to
// apply together.
type Command struct {
	CommandID  string
	DedupTTL   time.Duration
	Result     string
	MaxLen     int
	Aggregates []AggregateWrite
	Broadcasts []TypeBroadcast
	Snapshots  []SnapshotWrite
}

// CommandTransactions runs Command values through the embedded command
// transaction script.
type CommandTransactions struct {
	client *Client
}

func NewCommandTransactions(client *Client) *CommandTransactions {
	return &CommandTransactions{client: client}
}

// Execute runs cmd atomically and returns the (possibly cached) result
// string. A replayed commandId returns the originally cached result with no
// error. A version conflict surfaces as coreerr.VersionConflictError.
func (c *CommandTransactions) Execute(ctx context.Context, cmd Command) (string, error) {
	keys := make([]string, 0, 1+len(cmd.Aggregates)+2*len(cmd.Broadcasts)+len(cmd.Snapshots))
	keys = append(keys, CommandDedupKey(cmd.CommandID))

	for _, a := range cmd.Aggregates {
		keys = append(keys, EventStreamKey(a.AggregateID))
	}

	for _, b := range cmd.Broadcasts {
		keys = append(keys, TypeStreamKey(b.AggregateType))
	}

	for _, b := range cmd.Broadcasts {
		keys = append(keys, TypeCounterKey(b.AggregateType))
	}

	for _, s := range cmd.Snapshots {
		keys = append(keys, SnapshotKey(s.AggregateType, s.AggregateID))
	}

	maxlen := cmd.MaxLen
	if maxlen <= 0 {
		maxlen = 10000
	}

	args := []any{cmd.CommandID, int(cmd.DedupTTL.Seconds()), cmd.Result, maxlen, len(cmd.Aggregates)}

	for _, a := range cmd.Aggregates {
		args = append(args, a.ExpectedVersion, a.Event)
	}

	args = append(args, len(cmd.Broadcasts))

	for _, b := range cmd.Broadcasts {
		incr := "0"
		if b.IncrCounter {
			incr = "1"
		}

		args = append(args, incr, b.Event)
	}

	args = append(args, len(cmd.Snapshots))

	for _, s := range cmd.Snapshots {
		args = append(args, s.Blob)
	}

	reply, err := c.client.Do(ctx, func(ctx context.Context) (any, error) {
		return commandTransactionScript.Run(ctx, c.client.Raw(), keys, args...).Result()
	})
	if err != nil {
		return "", err
	}

	parts, ok := reply.([]any)
	if !ok || len(parts) == 0 {
		return "", coreerr.SchemaError{TypeTag: "command_transaction", Reason: "unexpected script reply shape"}
	}

	tag, _ := parts[0].(string)

	switch tag {
	case "OK", "DUPLICATE":
		result, _ := parts[1].(string)
		return result, nil
	case "VERSION_MISMATCH":
		streamKey, _ := parts[1].(string)
		expected, _ := parts[2].(string)
		actual, _ := parts[3].(string)

		expectedN, _ := strconv.ParseUint(expected, 10, 64)
		actualN, _ := strconv.ParseUint(actual, 10, 64)

		return "", coreerr.VersionConflictError{
			AggregateID: strings.TrimPrefix(streamKey, "events:"),
			Expected:    expectedN,
			Actual:      actualN,
		}
	default:
		return "", coreerr.SchemaError{TypeTag: "command_transaction", Reason: fmt.Sprintf("unknown reply tag %q", tag)}
	}
}
