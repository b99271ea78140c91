package ingest

import (
	"errors"

	"chronicle/pkg/chatclient"
	"chronicle/pkg/retry"
)

// classifyChatErr maps a chatclient.ClientError onto the generic
// retry.Result tags. Rate-limited errors are tagged Fatal too: spec
// §4.3 says to set rate_limit_until and return immediately rather than
// retry within the same call.
func classifyChatErr[T any](err error) retry.Result[T] {
	var ce *chatclient.ClientError
	if errors.As(err, &ce) {
		switch ce.Class {
		case chatclient.ErrRetryable:
			return retry.Retryable[T](string(ce.Class), ce.Message, ce)
		default: // ErrFatal, ErrRateLimited
			return retry.Fatal[T](string(ce.Class), ce.Message, ce)
		}
	}
	return retry.Retryable[T]("unknown", err.Error(), err)
}

func asClientError(err error, target **chatclient.ClientError) bool {
	return errors.As(err, target)
}

func asFatal(err error, target **retry.FatalError) bool {
	return errors.As(err, target)
}

func isFatalChatErr(err error) bool {
	var ce *chatclient.ClientError
	if errors.As(err, &ce) {
		return ce.Class == chatclient.ErrFatal
	}
	return false
}
