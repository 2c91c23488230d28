package echo

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallbackCall is the narrow slice of the RPC runtime a streaming reactor
// drives its call through. Every Start* operation is non-blocking; its
// completion is reported back as an event, possibly on a different
// goroutine. Per call, reads are serialized with each other and writes
// are serialized with each other, but any event may race the cancel
// notification.
type CallbackCall interface {
	// Metadata returns the call's inbound metadata.
	Metadata() metadata.MD

	// IsCancelled reports whether the call has been cancelled.
	IsCancelled() bool

	// TryCancel requests cancellation. The call is only cancelled once the
	// runtime delivers the cancel notification; the predicate never flips
	// synchronously.
	TryCancel()

	// StartRead begins reading the next inbound message into m.
	StartRead(m *EchoRequest)

	// StartWrite begins writing m.
	StartWrite(m *EchoResponse)

	// StartWriteLast begins writing m coalesced with stream termination.
	// A write completion event is still delivered for it.
	StartWriteLast(m *EchoResponse)

	// Finish terminates the call with the given status error (nil for OK).
	// Reactors route every Finish through their completion guard.
	Finish(err error)
}

// UnaryController is the runtime surface of one callback-convention unary
// call.
type UnaryController interface {
	Context() context.Context
	Metadata() metadata.MD
	IsCancelled() bool
	TryCancel()
	Finish(err error)

	// SetCancelCallback registers f to be invoked exactly once when
	// cancellation is detected. If the call is already cancelled, f is
	// invoked immediately.
	SetCancelCallback(f func())

	// ClearCancelCallback removes any registered callback. Safe to call
	// when nothing was registered.
	ClearCancelCallback()
}

// streamReactor is the event surface a call bridge dispatches into. The
// teardown event (OnDone) is delivered exactly once, after every other
// event for the call.
type streamReactor interface {
	OnReadDone(ok bool)
	OnWriteDone(ok bool)
	OnCancel()
	OnDone()
}

// serverTryCancelNonblocking requests cancellation without waiting for
// it; the cancel notification completes the call.
func serverTryCancelNonblocking(call CallbackCall) {
	if call.IsCancelled() {
		grpclog.Error("call already cancelled before self-cancellation was requested")
	}
	call.TryCancel()
}

// readReactor drives a client-streaming call: drain the inbound stream,
// concatenating payloads into the response the runtime sends on an OK
// finish.
type readReactor struct {
	call      CallbackCall
	response  *EchoResponse
	request   EchoRequest
	msgsRead  int
	tryCancel int
	guard     completionGuard
	started   bool
}

// OnStarted decodes the directive snapshot and begins the first read,
// unless cancellation is requested before processing.
func (r *readReactor) OnStarted(call CallbackCall, response *EchoResponse) {
	r.tryCancel = intFromMetadata(call.Metadata(), TryCancelKey, CancelNone)
	response.Message = ""

	if r.tryCancel == CancelBefore {
		serverTryCancelNonblocking(call)
		r.call = call
	} else {
		if r.tryCancel == CancelDuring {
			call.TryCancel() // don't wait for it here
		}
		r.call = call
		r.response = response
		r.call.StartRead(&r.request)
	}
	r.started = true
}

func (r *readReactor) OnReadDone(ok bool) {
	if ok {
		r.response.Message += r.request.Message
		r.msgsRead++
		// A concurrent cancel may have finished the call already; no read
		// may start after the terminal action.
		r.guard.ifNotFinished(func() {
			r.call.StartRead(&r.request)
		})
		return
	}
	grpclog.Infof("read %d messages", r.msgsRead)

	switch r.tryCancel {
	case CancelDuring:
		// The cancel notification finishes the call.
	case CancelAfter:
		// Request then wait for confirmation: the cancel notification
		// arrives later and finishes the call.
		serverTryCancelNonblocking(r.call)
	default:
		r.finishOnce(nil)
	}
}

func (r *readReactor) OnWriteDone(bool) {}

func (r *readReactor) OnCancel() {
	if !r.started {
		grpclog.Error("cancel notification delivered before start completed")
	}
	if !r.call.IsCancelled() {
		grpclog.Error("cancel notification for a call whose predicate has not flipped")
	}
	r.finishOnce(status.Error(codes.Canceled, "cancelled"))
}

func (r *readReactor) OnDone() {
	r.call = nil
	r.response = nil
}

func (r *readReactor) finishOnce(err error) {
	r.guard.tryFinish(err, r.call.Finish)
}

// writeReactor drives a server-streaming call: a configurable number of
// responses, each the request body with the zero-based index appended.
type writeReactor struct {
	call     CallbackCall
	request  *EchoRequest
	response EchoResponse
	msgsSent int
	d        Directive
	guard    completionGuard
	started  bool
}

func (r *writeReactor) OnStarted(call CallbackCall, request *EchoRequest) {
	r.d = decodeDirective(call.Metadata())

	if r.d.TryCancel == CancelBefore {
		serverTryCancelNonblocking(call)
		r.call = call
	} else {
		if r.d.TryCancel == CancelDuring {
			call.TryCancel()
		}
		r.call = call
		r.request = request
		if r.msgsSent < r.d.ResponsesToSend {
			r.nextWrite()
		}
	}
	r.started = true
}

func (r *writeReactor) OnReadDone(bool) {}

func (r *writeReactor) OnWriteDone(bool) {
	switch {
	case r.msgsSent < r.d.ResponsesToSend:
		r.nextWrite()
	case r.d.UseCoalescing:
		// Finish already ran when the coalesced final write was issued.
	case r.d.TryCancel == CancelDuring:
		// The cancel notification finishes the call.
	case r.d.TryCancel == CancelAfter:
		serverTryCancelNonblocking(r.call)
	default:
		r.finishOnce(nil)
	}
}

func (r *writeReactor) OnCancel() {
	if !r.started {
		grpclog.Error("cancel notification delivered before start completed")
	}
	if !r.call.IsCancelled() {
		grpclog.Error("cancel notification for a call whose predicate has not flipped")
	}
	r.finishOnce(status.Error(codes.Canceled, "cancelled"))
}

func (r *writeReactor) OnDone() {
	r.call = nil
	r.request = nil
}

// nextWrite issues the next response. The coalesced terminal write
// triggers finishing at issue time rather than on its completion event.
func (r *writeReactor) nextWrite() {
	r.response.Message = r.request.Message + strconv.Itoa(r.msgsSent)
	last := r.msgsSent == r.d.ResponsesToSend-1 && r.d.UseCoalescing
	r.msgsSent++
	if last {
		r.guard.ifNotFinished(func() {
			r.call.StartWriteLast(&r.response)
		})
		r.finishOnce(nil)
		return
	}
	r.guard.ifNotFinished(func() {
		r.call.StartWrite(&r.response)
	})
}

func (r *writeReactor) finishOnce(err error) {
	r.guard.tryFinish(err, r.call.Finish)
}

// bidiReactor drives a bidirectional call: each read is echoed back, the
// next read only starting once the write completes. Reaching the
// finish-after-N-reads threshold coalesces the matching write with
// termination.
type bidiReactor struct {
	call      CallbackCall
	request   EchoRequest
	response  EchoResponse
	msgsRead  int
	tryCancel int
	writeLast int
	guard     completionGuard
	started   bool
}

func (r *bidiReactor) OnStarted(call CallbackCall) {
	md := call.Metadata()
	r.tryCancel = intFromMetadata(md, TryCancelKey, CancelNone)
	r.writeLast = intFromMetadata(md, FinishAfterNReadsKey, 0)

	if r.tryCancel == CancelBefore {
		serverTryCancelNonblocking(call)
		r.call = call
	} else {
		if r.tryCancel == CancelDuring {
			call.TryCancel()
		}
		r.call = call
		r.call.StartRead(&r.request)
	}
	r.started = true
}

func (r *bidiReactor) OnReadDone(ok bool) {
	if ok {
		r.msgsRead++
		grpclog.Infof("recv msg %s", r.request.Message)
		r.response.Message = r.request.Message
		if r.msgsRead == r.writeLast {
			r.guard.ifNotFinished(func() {
				r.call.StartWriteLast(&r.response)
			})
			// Fall through: the coalesced write terminates the call now.
		} else {
			r.guard.ifNotFinished(func() {
				r.call.StartWrite(&r.response)
			})
			return
		}
	}

	switch r.tryCancel {
	case CancelDuring:
		// The cancel notification finishes the call.
	case CancelAfter:
		serverTryCancelNonblocking(r.call)
	default:
		r.finishOnce(nil)
	}
}

func (r *bidiReactor) OnWriteDone(bool) {
	// A non-terminal write completion triggers the next read; a finish
	// racing in means the call is over and no read may start.
	r.guard.ifNotFinished(func() {
		r.call.StartRead(&r.request)
	})
}

func (r *bidiReactor) OnCancel() {
	if !r.started {
		grpclog.Error("cancel notification delivered before start completed")
	}
	if !r.call.IsCancelled() {
		grpclog.Error("cancel notification for a call whose predicate has not flipped")
	}
	r.finishOnce(status.Error(codes.Canceled, "cancelled"))
}

func (r *bidiReactor) OnDone() {
	r.call = nil
}

func (r *bidiReactor) finishOnce(err error) {
	r.guard.tryFinish(err, r.call.Finish)
}

// CallbackTestService is the event-driven implementation of the echo
// service for the callback calling convention. Streaming methods return a
// fresh reactor per call; unary methods drive a UnaryController.
type CallbackTestService struct{}

// RequestStream returns the per-call reactor for the client-streaming
// shape.
func (s *CallbackTestService) RequestStream() *readReactor { return new(readReactor) }

// ResponseStream returns the per-call reactor for the server-streaming
// shape.
func (s *CallbackTestService) ResponseStream() *writeReactor { return new(writeReactor) }

// BidiStream returns the per-call reactor for the bidirectional shape.
func (s *CallbackTestService) BidiStream() *bidiReactor { return new(bidiReactor) }

// cancelState tracks the once-only contract of the cancellation callback
// for a single call. It outlives the callback registration, so a late
// invocation after clearing is still observed.
type cancelState struct {
	invoked  atomic.Bool
	violated atomic.Bool
}

func (st *cancelState) callback() func() {
	return func() {
		if st.invoked.Swap(true) {
			grpclog.Error("cancel callback invoked more than once")
			st.violated.Store(true)
		}
	}
}

// Echo implements the callback-convention unary shape. A requested
// processing delay is served by the alarm rather than by blocking the
// dispatching goroutine.
func (s *CallbackTestService) Echo(ctrl UnaryController, req *EchoRequest, resp *EchoResponse) {
	c := &callbackEchoCall{ctrl: ctrl, req: req, resp: resp, state: new(cancelState)}
	c.useCallback = intFromMetadata(ctrl.Metadata(), UseCancelCallbackKey, CallbackNone)

	if c.useCallback != CallbackNone {
		ctrl.SetCancelCallback(c.state.callback())
		if c.useCallback == CallbackEarlyCancel {
			if !ctrl.IsCancelled() {
				grpclog.Error("early-cancel mode: call not yet cancelled at start of processing")
			}
			if !c.state.invoked.Load() {
				grpclog.Error("early-cancel mode: cancel callback has not fired at start of processing")
			}
		} else {
			if ctrl.IsCancelled() {
				grpclog.Error("late-cancel mode: call already cancelled at start of processing")
			}
			if c.state.invoked.Load() {
				grpclog.Error("late-cancel mode: cancel callback fired at start of processing")
			}
		}
	}

	if p := req.Param; p != nil && p.ServerSleepUs > 0 {
		c.alarm.Set(time.Duration(p.ServerSleepUs)*time.Microsecond, c.echoNonDelayed)
		return
	}
	c.echoNonDelayed()
}

// CheckClientInitialMetadata verifies the reserved client-metadata pair
// appears exactly once.
func (s *CallbackTestService) CheckClientInitialMetadata(ctrl UnaryController, _ *SimpleRequest, _ *SimpleResponse) {
	if n := metadataMatchCount(ctrl.Metadata(), ClientMetadataKey, ClientMetadataVal); n != 1 {
		ctrl.Finish(status.Errorf(codes.FailedPrecondition, "metadata %q: got %d matching entries, want exactly 1", ClientMetadataKey, n))
		return
	}
	ctrl.Finish(nil)
}

// callbackEchoCall is the per-call state of one callback unary echo. It
// is owned by the bridge handle and released on teardown, never on a
// completion event.
type callbackEchoCall struct {
	ctrl        UnaryController
	req         *EchoRequest
	resp        *EchoResponse
	alarm       Alarm
	state       *cancelState
	useCallback int
}

func (c *callbackEchoCall) echoNonDelayed() {
	ctrl, req, resp := c.ctrl, c.req, c.resp
	ctx := ctrl.Context()

	// Safe to clear even when no callback was registered.
	ctrl.ClearCancelCallback()
	if c.useCallback == CallbackEarlyCancel || c.useCallback == CallbackLateCancel {
		if c.state.violated.Load() {
			ctrl.Finish(status.Error(codes.Internal, "cancel callback invoked more than once"))
			return
		}
		if !ctrl.IsCancelled() || !c.state.invoked.Load() {
			grpclog.Error("cancel-callback mode: cancellation not observed by end of processing")
			ctrl.Finish(status.Error(codes.Internal, "cancel callback contract violated"))
			return
		}
		ctrl.Finish(statusCancelled("cancelled"))
		return
	}
	if c.state.invoked.Load() {
		grpclog.Error("cancel callback fired although no callback mode was requested")
	}

	if p := req.Param; p != nil && p.ServerDie {
		grpclog.Fatal("request should never have reached the application handler")
	}
	if p := req.Param; p != nil && p.ExpectedError != nil {
		ctrl.Finish(injectedError(ctx, p.ExpectedError))
		return
	}

	md := ctrl.Metadata()
	if intFromMetadata(md, TryCancelKey, CancelNone) > CancelNone {
		// Unary: the request is already read, so any timing value cancels.
		if ctrl.IsCancelled() {
			grpclog.Error("call already cancelled before self-cancellation was requested")
		}
		ctrl.TryCancel()
		loopUntilCancelled(&c.alarm, ctrl, cancelPollInterval)
		return
	}

	grpclog.Infof("request message was %s", req.Message)
	resp.Message = req.Message
	maybeEchoDeadline(ctx, req, resp)

	switch {
	case req.Param != nil && req.Param.ClientCancelAfterUs > 0:
		loopUntilCancelled(&c.alarm, ctrl, time.Duration(req.Param.ClientCancelAfterUs)*time.Microsecond)
		return
	case req.Param != nil && req.Param.ServerCancelAfterUs > 0:
		c.alarm.Set(time.Duration(req.Param.ServerCancelAfterUs)*time.Microsecond, func() {
			ctrl.Finish(statusCancelled("cancelled by server after delay"))
		})
		return
	case req.Param == nil || !req.Param.SkipCancelledCheck:
		if ctrl.IsCancelled() {
			grpclog.Error("call unexpectedly cancelled before echo processing")
		}
	}

	if p := req.Param; p != nil && p.EchoMetadataInitially {
		if err := grpc.SetHeader(ctx, echoableMetadata(md)); err != nil {
			grpclog.Errorf("failed to set echoed header metadata: %v", err)
		}
	}
	if p := req.Param; p != nil && p.EchoMetadata {
		trailer := echoableMetadata(md)
		if d := p.DebugInfo; d != nil && (len(d.StackEntries) > 0 || d.Detail != "") {
			trailer.Append(DebugInfoTrailerKey, string(MarshalDebugInfo(d)))
			if err := grpc.SetTrailer(ctx, trailer); err != nil {
				grpclog.Errorf("failed to set debug info trailer: %v", err)
			}
			ctrl.Finish(statusCancelled("cancelled with debug info"))
			return
		}
		if err := grpc.SetTrailer(ctx, trailer); err != nil {
			grpclog.Errorf("failed to set echoed trailer metadata: %v", err)
		}
	}
	if p := req.Param; p != nil && (p.ExpectedClientIdentity != "" || p.CheckAuthContext) {
		if err := checkAuthContext(ctx, p.ExpectedTransportSecurityType, p.ExpectedClientIdentity); err != nil {
			ctrl.Finish(err)
			return
		}
	}
	if p := req.Param; p != nil && p.ResponseMessageLength > 0 {
		resp.Message = strings.Repeat("\x00", int(p.ResponseMessageLength))
	}
	echoPeer(ctx, req, resp)
	ctrl.Finish(nil)
}

// loopUntilCancelled re-polls the cancellation predicate through the
// alarm until it flips, then finishes the call as cancelled. The
// predicate must eventually flip; a call that never transitions is a bug
// in the runtime under test, not a timeout to mask.
func loopUntilCancelled(alarm *Alarm, ctrl UnaryController, delay time.Duration) {
	if ctrl.IsCancelled() {
		ctrl.Finish(statusCancelled("cancelled"))
		return
	}
	alarm.Set(delay, func() {
		loopUntilCancelled(alarm, ctrl, delay)
	})
}
