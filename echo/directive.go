package echo

import (
	"strconv"

	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
)

// intFromMetadata returns the integer value of the first entry for key, or
// def when the key is absent or its value does not parse. It never fails;
// malformed input is treated as absent.
func intFromMetadata(md metadata.MD, key string, def int) int {
	vals := md.Get(key)
	if len(vals) == 0 {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	grpclog.Infof("%s : %d", key, n)
	return n
}

// Directive is the control snapshot for one call, decoded once from the
// inbound metadata at call start and never re-read.
type Directive struct {
	TryCancel         int
	UseCancelCallback int
	ResponsesToSend   int
	UseCoalescing     bool
	FinishAfterNReads int
}

func decodeDirective(md metadata.MD) Directive {
	return Directive{
		TryCancel:         intFromMetadata(md, TryCancelKey, CancelNone),
		UseCancelCallback: intFromMetadata(md, UseCancelCallbackKey, CallbackNone),
		ResponsesToSend:   intFromMetadata(md, ResponsesToSendKey, DefaultResponsesToSend),
		UseCoalescing:     intFromMetadata(md, UseCoalescingKey, 0) != 0,
		FinishAfterNReads: intFromMetadata(md, FinishAfterNReadsKey, 0),
	}
}

// metadataMatchCount returns the number of entries in md that exactly
// match the given key-value pair.
func metadataMatchCount(md metadata.MD, key, value string) int {
	count := 0
	for _, v := range md.Get(key) {
		if v == value {
			count++
		}
	}
	return count
}
