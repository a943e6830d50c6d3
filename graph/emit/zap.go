package emit

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter writes events to a zap logger. Failure events are logged at
// Warn, everything else at Debug.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a ZapEmitter. A nil logger discards everything.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapEmitter{logger: logger.Named("events")}
}

// Emit logs the event.
func (z *ZapEmitter) Emit(event Event) {
	level := zapcore.DebugLevel
	if event.Type.IsError() {
		level = zapcore.WarnLevel
	}
	ce := z.logger.Check(level, string(event.Type))
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 4+len(event.Meta))
	fields = append(fields,
		zap.String("execution_id", event.ExecutionID),
		zap.Int("step", event.Step),
	)
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}
	if event.Msg != "" && event.Msg != string(event.Type) {
		fields = append(fields, zap.String("msg", event.Msg))
	}
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}
	ce.Write(fields...)
}
