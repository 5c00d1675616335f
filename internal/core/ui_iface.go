package core

// Dispatcher executes fn on the presentation-owning goroutine.
type Dispatcher interface {
	Dispatch(fn func())
}

// Notifier shows a transient message to the user.
type Notifier interface {
	Notify(msg string)
}

// InlineDispatcher runs fn on the calling goroutine.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(fn func()) { fn() }

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string) {}
