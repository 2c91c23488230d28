package echo

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Fully qualified gRPC service names for the two calling conventions.
const (
	TestServiceName         = "echo.testing.TestService"
	CallbackTestServiceName = "echo.testing.CallbackTestService"
)

// Directive metadata keys. Clients attach these to outgoing call metadata
// to steer the server's behavior.
const (
	// TryCancelKey selects server self-cancellation timing:
	// 0=none, 1=before processing, 2=during processing, 3=after processing.
	TryCancelKey = "server_try_cancel"

	// UseCancelCallbackKey selects the cancellation-callback test mode on
	// the callback service: 0=none, 1=early cancel, 2=late cancel.
	UseCancelCallbackKey = "server_use_cancel_callback"

	// ResponsesToSendKey overrides the number of server-streamed responses.
	ResponsesToSendKey = "server_responses_to_send"

	// UseCoalescingKey (0/1) folds the final stream message into stream
	// termination instead of issuing it as a separate write.
	UseCoalescingKey = "server_use_coalescing_api"

	// FinishAfterNReadsKey makes the bidi handler coalesce the write
	// matching the Nth read with termination. 0 disables.
	FinishAfterNReadsKey = "server_finish_after_n_reads"
)

// Self-cancellation timing modes carried under TryCancelKey.
const (
	CancelNone   = 0
	CancelBefore = 1
	CancelDuring = 2
	CancelAfter  = 3
)

// Cancellation-callback test modes carried under UseCancelCallbackKey.
const (
	CallbackNone        = 0
	CallbackEarlyCancel = 1
	CallbackLateCancel  = 2
)

// DefaultResponsesToSend is the number of responses a server-streaming
// call produces when ResponsesToSendKey is absent.
const DefaultResponsesToSend = 3

// Reserved metadata keys.
const (
	// DebugInfoTrailerKey carries a protowire-serialized DebugInfo payload
	// in the trailing metadata when a call is deliberately terminated with
	// diagnostic detail.
	DebugInfoTrailerKey = "debug-info-bin"

	// BinaryErrorDetailsKey carries the verbatim binary detail of an
	// injected error in the trailing metadata.
	BinaryErrorDetailsKey = "binary-error-details-bin"

	// ClientMetadataKey and ClientMetadataVal are the pair the
	// CheckClientInitialMetadata method requires to appear exactly once in
	// the inbound metadata.
	ClientMetadataKey = "custom_client_metadata"
	ClientMetadataVal = "Value for client metadata"
)

// ErrorStatus describes an error the server is asked to inject verbatim.
type ErrorStatus struct {
	Code               int32  `json:"code,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	BinaryErrorDetails []byte `json:"binaryErrorDetails,omitempty"`
}

// DebugInfo is the diagnostic payload attached to the reserved trailer
// when a call is terminated with debug detail.
type DebugInfo struct {
	StackEntries []string `json:"stackEntries,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

// RequestParams are the message-level controls a client embeds in an echo
// request. All fields are independent; any combination may be requested.
type RequestParams struct {
	EchoDeadline                  bool         `json:"echoDeadline,omitempty"`
	ClientCancelAfterUs           int32        `json:"clientCancelAfterUs,omitempty"`
	ServerCancelAfterUs           int32        `json:"serverCancelAfterUs,omitempty"`
	EchoMetadata                  bool         `json:"echoMetadata,omitempty"`
	CheckAuthContext              bool         `json:"checkAuthContext,omitempty"`
	ResponseMessageLength         int32        `json:"responseMessageLength,omitempty"`
	EchoPeer                      bool         `json:"echoPeer,omitempty"`
	ExpectedClientIdentity        string       `json:"expectedClientIdentity,omitempty"`
	SkipCancelledCheck            bool         `json:"skipCancelledCheck,omitempty"`
	ExpectedTransportSecurityType string       `json:"expectedTransportSecurityType,omitempty"`
	DebugInfo                     *DebugInfo   `json:"debugInfo,omitempty"`
	ServerDie                     bool         `json:"serverDie,omitempty"`
	ExpectedError                 *ErrorStatus `json:"expectedError,omitempty"`
	ServerSleepUs                 int32        `json:"serverSleepUs,omitempty"`
	EchoMetadataInitially         bool         `json:"echoMetadataInitially,omitempty"`
}

// EchoRequest is the request message for all echo methods.
type EchoRequest struct {
	Message string         `json:"message,omitempty"`
	Param   *RequestParams `json:"param,omitempty"`
}

// ResponseParams carry server-observed state echoed back to the client.
type ResponseParams struct {
	RequestDeadline int64  `json:"requestDeadline,omitempty"`
	Host            string `json:"host,omitempty"`
	Peer            string `json:"peer,omitempty"`
}

// EchoResponse is the response message for all echo methods.
type EchoResponse struct {
	Message string          `json:"message,omitempty"`
	Param   *ResponseParams `json:"param,omitempty"`
}

// SimpleRequest is the request message for CheckClientInitialMetadata.
type SimpleRequest struct{}

// SimpleResponse is the response message for CheckClientInitialMetadata.
type SimpleResponse struct{}

// CodecName is the gRPC content subtype the echo services speak. Clients
// created by this package select it automatically; hand-rolled clients
// must pass grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// codec marshals the plain-struct message model over gRPC. The services
// carry no generated protobuf stubs; registering a codec under a custom
// content subtype is the supported way to run arbitrary message types
// through a stock grpc.Server.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(codec{})
}

// DebugInfo wire field numbers, kept compatible with the protobuf message
// the trailer payload originated from.
const (
	debugInfoStackEntriesField = 1
	debugInfoDetailField       = 2
)

// MarshalDebugInfo encodes d in protobuf wire format for the
// DebugInfoTrailerKey trailer.
func MarshalDebugInfo(d *DebugInfo) []byte {
	var b []byte
	for _, e := range d.StackEntries {
		b = protowire.AppendTag(b, debugInfoStackEntriesField, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}
	if d.Detail != "" {
		b = protowire.AppendTag(b, debugInfoDetailField, protowire.BytesType)
		b = protowire.AppendString(b, d.Detail)
	}
	return b
}

// UnmarshalDebugInfo decodes a trailer payload produced by
// MarshalDebugInfo. Unknown fields are skipped.
func UnmarshalDebugInfo(b []byte) (*DebugInfo, error) {
	d := new(DebugInfo)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case debugInfoStackEntriesField:
			d.StackEntries = append(d.StackEntries, v)
		case debugInfoDetailField:
			d.Detail = v
		}
	}
	return d, nil
}
