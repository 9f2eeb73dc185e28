package observers

import (
	"context"
	"log/slog"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/turn"
)

// LoggerObserver logs every turn state change at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) OnStateChange(ev turn.StateChange) {
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "turn_state",
		slog.String("from", ev.FromState.String()),
		slog.String("to", ev.ToState.String()),
		slog.String("reason", ev.Reason),
		slog.Time("time", ev.Timestamp))
}

type MultiObserver struct {
	list []turn.StateListener
}

func NewMultiObserver(list ...turn.StateListener) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) OnStateChange(ev turn.StateChange) {
	for _, obs := range m.list {
		if obs != nil {
			obs.OnStateChange(ev)
		}
	}
}

var (
	_ turn.StateListener = (*LoggerObserver)(nil)
	_ turn.StateListener = (*MultiObserver)(nil)
)
