package redis

import (
	"strconv"
	"strings"

	"github.com/joomcode/errorx"
)

var (
	// Errors is a root namespace of all valkeypipe errors.
	Errors = errorx.NewNamespace("valkeypipe").ApplyModifiers(errorx.TypeModifierOmitStackTrace)

	// ErrOpts - options are wrong
	ErrOpts = Errors.NewSubNamespace("opts")
	// ErrContextIsNil - context is not passed to constructor
	ErrContextIsNil = ErrOpts.NewType("context_is_nil")
	// ErrNoAddressProvided - no address is given to constructor
	ErrNoAddressProvided = ErrOpts.NewType("no_address")

	// ErrTraitNotSent signals request were not written to wire and could be safely retried.
	ErrTraitNotSent = errorx.RegisterTrait("request_not_sent")
	// ErrTraitConnectivity marks all networking and io errors.
	ErrTraitConnectivity = errorx.RegisterTrait("network")
	// ErrTraitClusterMove signals that error happens due to cluster rebalancing.
	ErrTraitClusterMove = errorx.RegisterTrait("cluster_move")
	// ErrTraitRetriable marks server replies that may succeed if the same request is resent later.
	ErrTraitRetriable = errorx.RegisterTrait("retriable")

	// ErrContextClosed - context were explicitly closed (or connection / cluster were shut down)
	ErrContextClosed = Errors.NewType("connection_context_closed", ErrTraitNotSent)

	// ErrConnection - connection was not established at the moment request were done,
	// request is definitely not sent anywhere.
	ErrConnection = Errors.NewSubNamespace("connection", ErrTraitNotSent, ErrTraitConnectivity)
	// ErrNotConnected - connection were not established at the moment
	ErrNotConnected = ErrConnection.NewType("not_connected")
	// ErrDial - could not connect.
	ErrDial = ErrConnection.NewType("could_not_connect")
	// ErrAuth - password didn't match
	ErrAuth = ErrConnection.NewType("could_not_auth")
	// ErrInit - other error during connection setup
	ErrInit = ErrConnection.NewType("initialization_error")

	// ErrDropped - connection belongs to a node that left the topology.
	// It is not a connectivity error: node is healthy, request should be routed elsewhere.
	ErrDropped = Errors.NewType("connection_dropped", ErrTraitNotSent)

	// ErrIO - io error: read/write error, or timeout, or connection closed while reading/writing
	// It is not known if request were processed or not
	ErrIO = Errors.NewType("io_error", ErrTraitConnectivity)

	// ErrRequest - request malformed. Can not serialize request, no reason to retry.
	ErrRequest = Errors.NewSubNamespace("request")
	// ErrArgumentType - argument is not serializable
	ErrArgumentType = ErrRequest.NewType("argument_type")
	// ErrBatchFormat - some other command in batch is malformed
	ErrBatchFormat = ErrRequest.NewType("batch_format")
	// ErrNoSlotKey - no key to determine cluster slot
	ErrNoSlotKey = ErrRequest.NewType("no_slot_key")
	// ErrRequestCancelled - request already cancelled
	ErrRequestCancelled = ErrRequest.NewType("request_cancelled")

	// ErrResponse - response malformed. Redis returns unexpected response.
	ErrResponse = Errors.NewSubNamespace("response")
	// ErrResponseFormat - response is not valid Redis response
	ErrResponseFormat = ErrResponse.NewType("format")
	// ErrResponseUnexpected - response is valid redis response, but its structure/type unexpected
	ErrResponseUnexpected = ErrResponse.NewType("unexpected")
	// ErrHeaderlineTooLarge - header line too large
	ErrHeaderlineTooLarge = ErrResponse.NewType("headerline_too_large")
	// ErrHeaderlineEmpty - header line is empty
	ErrHeaderlineEmpty = ErrResponse.NewType("headerline_empty")
	// ErrIntegerParsing - integer malformed
	ErrIntegerParsing = ErrResponse.NewType("integer_parsing")
	// ErrNoFinalRN - no final "\r\n"
	ErrNoFinalRN = ErrResponse.NewType("no_final_rn")
	// ErrUnknownHeaderType - unknown header type
	ErrUnknownHeaderType = ErrResponse.NewType("unknown_headerline_type")
	// ErrPing - ping receives wrong response
	ErrPing = ErrResponse.NewType("ping")

	// ErrResult - just regular redis response.
	ErrResult = Errors.NewType("result")
	// ErrMoved - MOVED response
	ErrMoved = ErrResult.NewSubtype("moved", ErrTraitClusterMove, ErrTraitRetriable)
	// ErrAsk - ASK response
	ErrAsk = ErrResult.NewSubtype("ask", ErrTraitClusterMove, ErrTraitRetriable)
	// ErrTryAgain - TRYAGAIN response (multi-key request during slot migration)
	ErrTryAgain = ErrResult.NewSubtype("tryagain", ErrTraitRetriable)
	// ErrLoading - redis didn't finish start
	ErrLoading = ErrResult.NewSubtype("loading", ErrTraitRetriable)
	// ErrClusterDown - CLUSTERDOWN response
	ErrClusterDown = ErrResult.NewSubtype("clusterdown", ErrTraitRetriable)
	// ErrMasterDown - MASTERDOWN response (replica lost its primary)
	ErrMasterDown = ErrResult.NewSubtype("masterdown", ErrTraitRetriable)
	// ErrCrossSlotReply - server refused a command whose keys hash to different slots
	ErrCrossSlotReply = ErrResult.NewSubtype("crossslot")
	// ErrExecAbort - EXECABORT response, transaction were discarded
	ErrExecAbort = ErrResult.NewSubtype("execabort")
	// ErrExecEmpty - EXEC returns nil (WATCH failed)
	ErrExecEmpty = ErrResult.NewSubtype("exec_empty")

	// ErrAggregation - replies of a multi-node command could not be reduced to a single value.
	ErrAggregation = Errors.NewType("aggregation")
)

var (
	// EKLine - set by response parser for unrecognized header lines.
	EKLine = errorx.RegisterProperty("line")
	// EKMovedTo - set by response parser for MOVED and ASK responses.
	EKMovedTo = errorx.RegisterProperty("movedto")
	// EKSlot - set by response parser for MOVED and ASK responses.
	EKSlot = errorx.RegisterProperty("slot")
	// EKVal - set by request writer and checker to argument value which could not be serialized.
	EKVal = errorx.RegisterProperty("val")
	// EKArgPos - set by request writer and checker to argument position which could not be serialized.
	EKArgPos = errorx.RegisterProperty("argpos")
	// EKRequest - request that triggered error.
	EKRequest = errorx.RegisterPrintableProperty("request")
	// EKRequests - batch requests that triggered error.
	EKRequests = errorx.RegisterPrintableProperty("requests")
	// EKResponse - unexpected response
	EKResponse = errorx.RegisterProperty("response")
	// EKAddress - address of redis that has a problems
	EKAddress = errorx.RegisterPrintableProperty("address")
)

var (
	// ErrIOTimeout is a deadline that expired while reading or writing socket.
	ErrIOTimeout = errorx.NewType(Errors, "io_timeout", ErrTraitConnectivity, errorx.Timeout())
)

// AsError casts interface to error (if it is error)
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// AsErrorx casts interface to *errorx.Error.
// It panics if value is error but not *errorx.Error.
func AsErrorx(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	if e == nil {
		if _, ok := v.(error); ok {
			panic(errorx.IllegalArgument.New("result should be either *errorx.Error, or not error at all, but got %#v", v))
		}
	}
	return e
}

// ServerError converts error line of RESP reply (without leading '-') into typed error.
func ServerError(txt string) *errorx.Error {
	code := txt
	if i := strings.IndexByte(txt, ' '); i >= 0 {
		code = txt[:i]
	}
	switch code {
	case "MOVED", "ASK":
		parts := strings.Split(txt, " ")
		if len(parts) < 3 {
			return ErrResponseFormat.New("malformed redirect").WithProperty(EKLine, txt)
		}
		slot, err := strconv.Atoi(parts[1])
		if err != nil || slot < 0 {
			return ErrResponseFormat.New("malformed redirect").WithProperty(EKLine, txt)
		}
		typ := ErrMoved
		if code == "ASK" {
			typ = ErrAsk
		}
		return typ.New(txt).
			WithProperty(EKMovedTo, parts[2]).
			WithProperty(EKSlot, uint16(slot))
	case "TRYAGAIN":
		return ErrTryAgain.New(txt)
	case "LOADING":
		return ErrLoading.New(txt)
	case "CLUSTERDOWN":
		return ErrClusterDown.New(txt)
	case "MASTERDOWN":
		return ErrMasterDown.New(txt)
	case "CROSSSLOT":
		return ErrCrossSlotReply.New(txt)
	case "EXECABORT":
		return ErrExecAbort.New(txt)
	}
	return ErrResult.New(txt)
}

// Retriable reports whether a reply is a server error that may succeed when resent.
func Retriable(v interface{}) bool {
	err, ok := v.(*errorx.Error)
	return ok && err.HasTrait(ErrTraitRetriable)
}
