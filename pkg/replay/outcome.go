package replay

import "fmt"

// Kind is the result class of replaying one record.
type Kind int

const (
	// Ok: the record was accepted; N bytes are consumed (rounded up to 4).
	Ok Kind = iota
	// NeedExactly: the record is N bytes long; retry once that much is buffered.
	NeedExactly
	// NotEnoughData: the size is not known yet; retry with more bytes.
	NotEnoughData
	// StopReading: clean end of the log.
	StopReading
	// WaitJob: the handler waits for an external resource; retry later.
	WaitJob
	// Error: the record is invalid. N, when set, is its size for skipping.
	Error
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case NeedExactly:
		return "need-exactly"
	case NotEnoughData:
		return "not-enough-data"
	case StopReading:
		return "stop-reading"
	case WaitJob:
		return "wait-job"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Outcome struct {
	Kind Kind
	N    int
	Err  error
}

func Done(n int) Outcome            { return Outcome{Kind: Ok, N: n} }
func Need(n int) Outcome            { return Outcome{Kind: NeedExactly, N: n} }
func Short() Outcome                { return Outcome{Kind: NotEnoughData} }
func Stop() Outcome                 { return Outcome{Kind: StopReading} }
func Wait() Outcome                 { return Outcome{Kind: WaitJob} }
func Fail(n int, err error) Outcome { return Outcome{Kind: Error, N: n, Err: err} }

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s(%d): %v", o.Kind, o.N, o.Err)
	}
	return fmt.Sprintf("%s(%d)", o.Kind, o.N)
}
