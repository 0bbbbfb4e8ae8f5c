package call

// WakeLock keeps the device display awake during an active call. Acquire
// and Release are idempotent; the engine re-acquires when the page
// becomes visible again, since the OS may revoke the lock on lock-screen.
type WakeLock interface {
	Acquire()
	Release()
}

type NopWakeLock struct{}

func (NopWakeLock) Acquire() {}
func (NopWakeLock) Release() {}

// Notifier surfaces call events to the user. Injected so the engine stays
// free of UI concerns.
type Notifier interface {
	Notify(msg string)
	Error(msg string)
}

type NopNotifier struct{}

func (NopNotifier) Notify(msg string) {}
func (NopNotifier) Error(msg string)  {}
