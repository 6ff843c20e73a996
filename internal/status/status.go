package status

// Kind classifies a Status. The zero value is OK.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindNotSupported
	KindInvalidArgument
	KindNotEnoughMemory
	KindError
	KindUnknownResponse
)

var kindNames = map[Kind]string{
	KindOK:              "OK",
	KindNotFound:        "NotFound",
	KindNotSupported:    "NotSupported",
	KindInvalidArgument: "InvalidArgument",
	KindNotEnoughMemory: "NotEnoughMemory",
	KindError:           "Error",
	KindUnknownResponse: "UnknownResponse",
}

// Status is a tagged result carried across handler and client boundaries:
// a kind plus a human-readable message for the non-OK kinds.
type Status struct {
	kind Kind
	msg  string
}

func OK() Status { return Status{} }

func NotFound(msg string) Status        { return Status{kind: KindNotFound, msg: msg} }
func NotSupported(msg string) Status    { return Status{kind: KindNotSupported, msg: msg} }
func InvalidArgument(msg string) Status { return Status{kind: KindInvalidArgument, msg: msg} }
func NotEnoughMemory(msg string) Status { return Status{kind: KindNotEnoughMemory, msg: msg} }
func Error(msg string) Status           { return Status{kind: KindError, msg: msg} }
func UnknownResponse(msg string) Status { return Status{kind: KindUnknownResponse, msg: msg} }

func (s Status) Kind() Kind  { return s.kind }
func (s Status) Msg() string { return s.msg }

func (s Status) IsOK() bool              { return s.kind == KindOK }
func (s Status) IsNotFound() bool        { return s.kind == KindNotFound }
func (s Status) IsNotSupported() bool    { return s.kind == KindNotSupported }
func (s Status) IsInvalidArgument() bool { return s.kind == KindInvalidArgument }
func (s Status) IsNotEnoughMemory() bool { return s.kind == KindNotEnoughMemory }
func (s Status) IsError() bool           { return s.kind == KindError }
func (s Status) IsUnknownResponse() bool { return s.kind == KindUnknownResponse }

func (s Status) String() string {
	if s.kind == KindOK {
		return "OK"
	}
	return kindNames[s.kind] + ": " + s.msg
}
