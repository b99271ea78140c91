package topicize

import (
	"errors"

	"chronicle/pkg/llmclient"
	"chronicle/pkg/retry"
)

func classifyGenErr[T any](err error) retry.Result[T] {
	var ge *llmclient.GenerateError
	if errors.As(err, &ge) {
		switch ge.Class {
		case llmclient.ErrRetryable:
			return retry.Retryable[T](string(ge.Class), ge.Message, ge)
		default:
			return retry.Fatal[T](string(ge.Class), ge.Message, ge)
		}
	}
	return retry.Retryable[T]("unknown", err.Error(), err)
}
