package call

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Состояния и события жизненного цикла аудио потоков
const (
	stateStopped = "stopped"
	stateStarted = "started"

	eventStart = "start"
	eventStop  = "stop"
)

// lifecycle конечный автомат stopped <-> started.
// Повторный Start или Stop ничего не делает.
type lifecycle struct {
	mutex   sync.Mutex
	machine *fsm.FSM
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{
		machine: fsm.NewFSM(
			stateStopped,
			fsm.Events{
				{Name: eventStart, Src: []string{stateStopped}, Dst: stateStarted},
				{Name: eventStop, Src: []string{stateStarted}, Dst: stateStopped},
			},
			fsm.Callbacks{
				"after_event": func(_ context.Context, e *fsm.Event) {
					logger.Debug("состояние потока изменено",
						slog.String("from", e.Src),
						slog.String("to", e.Dst))
				},
			},
		),
	}
}

func (l *lifecycle) start() {
	l.fire(eventStart)
}

func (l *lifecycle) stop() {
	l.fire(eventStop)
}

func (l *lifecycle) fire(event string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.machine.Can(event) {
		_ = l.machine.Event(context.Background(), event)
	}
}

func (l *lifecycle) started() bool {
	return l.machine.Current() == stateStarted
}

func (l *lifecycle) state() string {
	return l.machine.Current()
}
