package transport

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/slapcommerce/core/coreerr"
)

// CommandLog reads back the result a command transaction cached under a
// commandId, distinguishing "never seen" from "seen, here is the cached
// result" without callers re-deriving the dedup TTL semantics themselves.
type CommandLog struct {
	client *Client
}

func NewCommandLog(client *Client) *CommandLog {
	return &CommandLog{client: client}
}

// Result returns the cached result for commandID, or
// coreerr.NotFoundError if the dedup key has never been set (or expired).
func (l *CommandLog) Result(ctx context.Context, commandID string) (string, error) {
	reply, err := l.client.Do(ctx, func(ctx context.Context) (any, error) {
		return l.client.Raw().Get(ctx, CommandDedupKey(commandID)).Result()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", coreerr.NotFoundError{EntityType: "command", ID: commandID}
		}

		return "", err
	}

	result, _ := reply.(string)

	return result, nil
}
