package process

import (
	"errors"

	"chronicle/pkg/llmclient"
	"chronicle/pkg/retry"
)

// classifyGenErr maps an llmclient.GenerateError onto the generic
// retry.Result tags (spec §4.4 "Retry policy per message").
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

func as[T error](err error, target *T) bool {
	return errors.As(err, target)
}
