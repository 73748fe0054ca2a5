// Package projection implements the Lua projection transaction: an
// operation queue over derived read-model state, committed atomically
// under a per-aggregate expected-version guard.
package projection

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
	"github.com/slapcommerce/core/transport"
)

//go:embed scripts/projection_transaction.lua
var transactionSource string

var transactionScript = redis.NewScript(transactionSource)

// UninitializedVersion is the sentinel a projection starts at before its
// first successful commit.
const UninitializedVersion = -1

type op struct {
	key  string
	kind string
	args []string
}

// Transaction accumulates a queue of derived-state mutations for one
// aggregate, to be committed atomically once an expected version has been
// set.
type Transaction struct {
	aggregateID string
	expected    *int
	ops         []op
}

// New starts a transaction for aggregateID. ExpectedVersion must be called
// before Commit.
func New(aggregateID string) *Transaction {
	return &Transaction{aggregateID: aggregateID}
}

// ExpectedVersion sets the version the projection must currently be at for
// this commit to apply. Pass UninitializedVersion for a projection's first
// commit.
func (t *Transaction) ExpectedVersion(v int) *Transaction {
	t.expected = &v
	return t
}

func (t *Transaction) Set(key, value string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "set", args: []string{value}})
	return t
}

func (t *Transaction) HSet(key, field, value string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "hset", args: []string{field, value}})
	return t
}

func (t *Transaction) HMSet(key string, fieldsAndValues ...string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "hmset", args: fieldsAndValues})
	return t
}

func (t *Transaction) SAdd(key string, members ...string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "sadd", args: members})
	return t
}

func (t *Transaction) LPush(key string, values ...string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "lpush", args: values})
	return t
}

func (t *Transaction) ZAdd(key string, scoreMembers ...string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "zadd", args: scoreMembers})
	return t
}

func (t *Transaction) Del(key string) *Transaction {
	t.ops = append(t.ops, op{key: key, kind: "del"})
	return t
}

// Transactions commits Transaction values through the embedded projection
// script.
type Transactions struct {
	client *transport.Client
}

func NewTransactions(client *transport.Client) *Transactions {
	return &Transactions{client: client}
}

// Commit applies t atomically. It returns the new projection version on
// success. coreerr.PreconditionMissingError is returned (without any Redis
// round trip) if ExpectedVersion was never called. A stale expected version
// surfaces as coreerr.VersionConflictError.
func (p *Transactions) Commit(ctx context.Context, t *Transaction) (int, error) {
	if t.expected == nil {
		return 0, coreerr.PreconditionMissingError{AggregateID: t.aggregateID}
	}

	keys := make([]string, 0, 1+len(t.ops))
	keys = append(keys, transport.ProjectionVersionKey(t.aggregateID))

	for _, o := range t.ops {
		keys = append(keys, o.key)
	}

	args := []any{*t.expected, len(t.ops)}

	for _, o := range t.ops {
		args = append(args, o.kind, len(o.args))

		for _, a := range o.args {
			args = append(args, a)
		}
	}

	reply, err := p.client.Do(ctx, func(ctx context.Context) (any, error) {
		return transactionScript.Run(ctx, p.client.Raw(), keys, args...).Result()
	})
	if err != nil {
		return 0, err
	}

	parts, ok := reply.([]any)
	if !ok || len(parts) != 2 {
		return 0, coreerr.SchemaError{TypeTag: "projection_transaction", Reason: "unexpected script reply shape"}
	}

	tag, _ := parts[0].(string)
	value, _ := parts[1].(string)

	switch tag {
	case "OK":
		newVersion, _ := strconv.Atoi(value)
		return newVersion, nil
	case "VERSION_MISMATCH":
		current, _ := strconv.Atoi(value)

		return 0, coreerr.VersionConflictError{
			AggregateID: t.aggregateID,
			Expected:    uint64(*t.expected),
			Actual:      uint64(current),
		}
	default:
		return 0, coreerr.SchemaError{TypeTag: "projection_transaction", Reason: fmt.Sprintf("unknown reply tag %q", tag)}
	}
}
