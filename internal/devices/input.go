package devices

import (
	"context"
	"image"

	"github.com/deskrelay/deskrelay/internal/controlrelay"
	"github.com/rs/zerolog"
)

// LogInjector stands in for an OS input driver. It maps events onto a
// screen of the given size and logs what it would have done. When a
// screen is attached the cursor position is drawn into its frames.
type LogInjector struct {
	logger        zerolog.Logger
	width, height int
	screen        *SyntheticScreen
}

func NewLogInjector(logger zerolog.Logger, width, height int, screen *SyntheticScreen) *LogInjector {
	return &LogInjector{logger: logger, width: width, height: height, screen: screen}
}

func (l *LogInjector) Apply(_ context.Context, ev controlrelay.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	evt := l.logger.Info().Str("kind", string(ev.Kind))
	if ev.Kind.Keyboard() {
		evt.Str("key", ev.Key).Msg("simulating key")
		return nil
	}
	x, y := controlrelay.Denormalize(ev.X, ev.Y, l.width, l.height)
	if l.screen != nil {
		l.screen.Mark(image.Pt(x, y))
	}
	evt.Int("x", x).Int("y", y).Msg("simulating mouse")
	return nil
}
