package store

import "fmt"

// Layer identifies which data layer produced a response.
type Layer int

const (
	// LayerCache is the in-process memory cache.
	LayerCache Layer = iota
	// LayerSourceOfTruth is the durable backing store.
	LayerSourceOfTruth
	// LayerFetcher is the remote fetch operation.
	LayerFetcher
)

func (l Layer) String() string {
	switch l {
	case LayerCache:
		return "cache"
	case LayerSourceOfTruth:
		return "source-of-truth"
	case LayerFetcher:
		return "fetcher"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// Origin tags a response with the layer that produced it. Attempt is the
// per-key fetch attempt counter and is set only when Layer is LayerFetcher.
type Origin struct {
	Layer   Layer
	Attempt uint64
}

// Response is the closed set of outcomes a read stream can deliver. The
// variants are Loading, Data, ErrorException, ErrorMessage and ErrorCustom;
// no other type satisfies the interface.
type Response[O any] interface {
	// Origin reports which layer the response came from.
	Origin() Origin

	response()
}

// Loading signals that a fetch attempt has started and a settled outcome for
// it will follow.
type Loading struct {
	From Origin
}

func (l Loading) Origin() Origin { return l.From }
func (Loading) response()        {}

// Data carries a successfully resolved value.
type Data[O any] struct {
	Value O
	From  Origin
}

func (d Data[O]) Origin() Origin { return d.From }
func (Data[O]) response()        {}

// ErrorException carries a failure represented by an error value. Durable
// read and write failures arrive here with a *ReadError or *WriteError cause.
type ErrorException struct {
	Cause error
	From  Origin
}

func (e ErrorException) Origin() Origin { return e.From }
func (ErrorException) response()        {}

// ErrorMessage carries a failure described only by text.
type ErrorMessage struct {
	Text string
	From Origin
}

func (e ErrorMessage) Origin() Origin { return e.From }
func (ErrorMessage) response()        {}

// ErrorCustom carries a caller-defined failure payload.
type ErrorCustom struct {
	Payload any
	From    Origin
}

func (e ErrorCustom) Origin() Origin { return e.From }
func (ErrorCustom) response()        {}
