package fix

import (
	"fmt"

	"github.com/quickfixgo/quickfix"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logFactory routes the engine's session log into zerolog. Raw messages go
// out at debug level.
type logFactory struct{}

// NewLogFactory returns a quickfix.LogFactory backed by the global logger
func NewLogFactory() quickfix.LogFactory {
	return logFactory{}
}

func (logFactory) Create() (quickfix.Log, error) {
	return sessionLog{logger: log.With().Str("service", "fix").Logger()}, nil
}

func (logFactory) CreateSessionLog(sessionID quickfix.SessionID) (quickfix.Log, error) {
	return sessionLog{logger: log.With().Str("service", "fix").Str("session_id", sessionID.String()).Logger()}, nil
}

type sessionLog struct {
	logger zerolog.Logger
}

func (l sessionLog) OnIncoming(msg []byte) {
	l.logger.Debug().Str("direction", "in").Str("raw", string(msg)).Msg("fix message")
}

func (l sessionLog) OnOutgoing(msg []byte) {
	l.logger.Debug().Str("direction", "out").Str("raw", string(msg)).Msg("fix message")
}

func (l sessionLog) OnEvent(event string) {
	l.logger.Info().Msg(event)
}

func (l sessionLog) OnEventf(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
