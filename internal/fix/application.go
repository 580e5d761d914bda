// Package fix adapts a quickfix initiator to the order gateway's transport.
package fix

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/quickfixgo/enum"
	"github.com/quickfixgo/quickfix"
	"github.com/rs/zerolog/log"
)

// sendFunc matches quickfix.SendToTarget
type sendFunc func(m quickfix.Messagable, sessionID quickfix.SessionID) error

// Application is the quickfix.Application for the venue connection. It sends
// order messages on the first logged-on session and hands every inbound
// execution report to the registered handler, in arrival order per session.
type Application struct {
	mu       sync.RWMutex
	sessions map[quickfix.SessionID]bool
	handler  func(types.ExecutionEvent)
	send     sendFunc
}

func NewApplication() *Application {
	return &Application{
		sessions: make(map[quickfix.SessionID]bool),
		send:     quickfix.SendToTarget,
	}
}

// NewInitiator builds a socket initiator for app from a quickfix settings file
func NewInitiator(app *Application, settingsFile string) (*quickfix.Initiator, error) {
	f, err := os.Open(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("open fix settings: %w", err)
	}
	defer f.Close()

	settings, err := quickfix.ParseSettings(f)
	if err != nil {
		return nil, fmt.Errorf("parse fix settings: %w", err)
	}
	return quickfix.NewInitiator(app, quickfix.NewMemoryStoreFactory(), settings, NewLogFactory())
}

// OnExecution registers the inbound execution callback; called once at
// startup before the initiator starts.
func (a *Application) OnExecution(handler func(types.ExecutionEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

// SessionActive reports whether any session is logged on
func (a *Application) SessionActive() bool {
	_, ok := a.activeSession()
	return ok
}

func (a *Application) activeSession() (quickfix.SessionID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var active []quickfix.SessionID
	for id, loggedOn := range a.sessions {
		if loggedOn {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return quickfix.SessionID{}, false
	}
	sort.Slice(active, func(i, j int) bool { return active[i].String() < active[j].String() })
	return active[0], true
}

// Sessions describes every session the engine created
func (a *Application) Sessions() []types.SessionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.SessionStatus, 0, len(a.sessions))
	for id, loggedOn := range a.sessions {
		out = append(out, types.SessionStatus{
			SessionID:    id.String(),
			LoggedOn:     loggedOn,
			SenderCompID: id.SenderCompID,
			TargetCompID: id.TargetCompID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SendOrderMessage encodes msg and queues it on the active session
func (a *Application) SendOrderMessage(ctx context.Context, msg types.OrderMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID, ok := a.activeSession()
	if !ok {
		return types.ErrNoActiveSession
	}

	m, err := BuildMessage(msg)
	if err != nil {
		return err
	}
	if err := a.send(m, sessionID); err != nil {
		return fmt.Errorf("send %s %s: %w", msg.Type, msg.ClientOrderID, err)
	}

	log.Debug().
		Str("client_order_id", msg.ClientOrderID).
		Str("type", string(msg.Type)).
		Str("session_id", sessionID.String()).
		Msg("order message sent")
	return nil
}

func (a *Application) OnCreate(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.sessions[sessionID] = false
	a.mu.Unlock()
	log.Info().Str("session_id", sessionID.String()).Msg("fix session created")
}

func (a *Application) OnLogon(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.sessions[sessionID] = true
	a.mu.Unlock()
	log.Info().Str("session_id", sessionID.String()).Msg("logged on to fix session")
}

func (a *Application) OnLogout(sessionID quickfix.SessionID) {
	a.mu.Lock()
	a.sessions[sessionID] = false
	a.mu.Unlock()
	log.Warn().Str("session_id", sessionID.String()).Msg("logged out from fix session")
}

func (a *Application) ToAdmin(_ *quickfix.Message, _ quickfix.SessionID) {}

func (a *Application) ToApp(_ *quickfix.Message, _ quickfix.SessionID) error {
	return nil
}

func (a *Application) FromAdmin(_ *quickfix.Message, _ quickfix.SessionID) quickfix.MessageRejectError {
	return nil
}

// FromApp decodes execution reports and cancel rejects. Messages that cannot
// be decoded are logged and dropped; they never reach the ledgers.
func (a *Application) FromApp(msg *quickfix.Message, sessionID quickfix.SessionID) quickfix.MessageRejectError {
	logger := log.With().Str("session_id", sessionID.String()).Str("service", "fix").Logger()

	var (
		ev  types.ExecutionEvent
		err error
	)
	switch {
	case msg.IsMsgTypeOf(string(enum.MsgType_EXECUTION_REPORT)):
		ev, err = ParseExecutionReport(msg, sessionID.String())
	case msg.IsMsgTypeOf(string(enum.MsgType_ORDER_CANCEL_REJECT)):
		ev, err = ParseCancelReject(msg, sessionID.String())
	default:
		msgType, _ := msg.MsgType()
		logger.Warn().Str("msg_type", msgType).Msg("unhandled application message")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to decode application message")
		return nil
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		logger.Warn().Str("execution_id", ev.ExecutionID).Msg("no execution handler registered")
		return nil
	}
	handler(ev)
	return nil
}
