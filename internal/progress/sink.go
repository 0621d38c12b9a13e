package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface.
type Emitter interface {
	Emit(evt Event)
}

// Observer receives counter snapshots and user-facing log lines.
type Observer interface {
	OnProgress(s Snapshot)
	OnLog(line string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	Progress func(Snapshot)
	Log      func(string)
}

// OnProgress implements Observer.
func (o ObserverFuncs) OnProgress(s Snapshot) {
	if o.Progress != nil {
		o.Progress(s)
	}
}

// OnLog implements Observer.
func (o ObserverFuncs) OnLog(line string) {
	if o.Log != nil {
		o.Log(line)
	}
}
