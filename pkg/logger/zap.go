package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// zapSink adapts a *zap.Logger to MinLogger. Records are emitted at info
// level since filtering has already been done by the BasicLogger.
type zapSink struct {
	z *zap.Logger
}

func (s *zapSink) Print(args ...interface{}) {
	s.z.Info(fmt.Sprint(args...))
}

// WithZap sends log output through z instead of a writer. Useful when
// structured (e.g., JSON) output is wanted. Flags are ignored.
func WithZap(z *zap.Logger) Option {
	return func(c *config) error {
		if z == nil {
			return fmt.Errorf("logger: nil zap logger")
		}
		c.sink = &zapSink{z: z}
		return nil
	}
}
