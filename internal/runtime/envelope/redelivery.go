package envelope

import (
	"strconv"
	"time"

	metadatapkg "github.com/avral-io/corebus/internal/runtime/metadata"
)

// Redelivery bookkeeping headers. These travel as transport metadata rather
// than inside the envelope body so brokers and DLQ tooling can read them
// without decoding (or decompressing) the payload.
const (
	KeyDeadLetter    = "x-dead-letter"
	KeyOriginalTopic = "x-original-topic"
	KeyErrorMessage  = "x-error-message"
	KeyFailedAt      = "x-failed-at"
)

// DeadLetterSuffix is appended to a topic to derive its dead-letter topic.
const DeadLetterSuffix = ".dlq"

// RetryCount returns the redelivery attempt count recorded in the headers.
func RetryCount(md metadatapkg.Metadata) int {
	raw := md.Get(metadatapkg.KeyRetryCount)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IncrementRetryCount returns headers with the attempt count bumped by one.
func IncrementRetryCount(md metadatapkg.Metadata) metadatapkg.Metadata {
	return md.With(metadatapkg.KeyRetryCount, strconv.Itoa(RetryCount(md)+1))
}

// ExceedsRedeliveryBudget reports whether the recorded attempts have reached
// the per-subscriber limit.
func ExceedsRedeliveryBudget(md metadatapkg.Metadata, maxRedeliveries int) bool {
	return RetryCount(md) >= maxRedeliveries
}

// PrepareForDeadLetter returns headers annotated for the dead-letter sink:
// the original topic, the final error, and the failure timestamp.
func PrepareForDeadLetter(md metadatapkg.Metadata, originalTopic string, cause error) metadatapkg.Metadata {
	out := md.WithAll(metadatapkg.Metadata{
		KeyDeadLetter:    "true",
		KeyOriginalTopic: originalTopic,
		KeyFailedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if cause != nil {
		out[KeyErrorMessage] = cause.Error()
	}
	return out
}

// IsDeadLettered reports whether the headers mark a dead-lettered message.
func IsDeadLettered(md metadatapkg.Metadata) bool {
	return md.Get(KeyDeadLetter) == "true"
}

// OriginalTopic returns the topic a dead-lettered message originally failed on.
func OriginalTopic(md metadatapkg.Metadata) string {
	return md.Get(KeyOriginalTopic)
}

// DeadLetterTopic derives the dead-letter topic for the given topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}
