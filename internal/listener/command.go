package listener

import (
	"os"
	"strings"

	"github.com/plogd/plogd/internal/stats"
	"github.com/plogd/plogd/pkg/proto"
	"github.com/rs/zerolog/log"
)

// Four-letter commands.
const (
	CommandPing = "PING"
	CommandStat = "STAT"
	CommandEnvi = "ENVI"
	CommandKill = "KILL"
)

var pong = []byte("PONG")

// CommandConfig wires a CommandHandler to the rest of the daemon.
type CommandConfig struct {
	Reporter  stats.Reporter
	Stats     func() ([]byte, error) // STAT reply
	Env       func() ([]byte, error) // ENVI reply
	AllowKill bool
	Exit      func(code int) // defaults to os.Exit
}

// CommandHandler answers four-letter commands.
type CommandHandler struct {
	cfg CommandConfig
}

// NewCommandHandler creates a command handler.
func NewCommandHandler(cfg CommandConfig) *CommandHandler {
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &CommandHandler{cfg: cfg}
}

// Handle executes cmd and returns the reply to send, or nil for none.
func (h *CommandHandler) Handle(cmd *proto.Command) []byte {
	switch strings.ToUpper(cmd.Name) {
	case CommandPing:
		h.cfg.Reporter.ReceivedV0Command()
		reply := make([]byte, 0, len(pong)+len(cmd.Trailer))
		return append(append(reply, pong...), cmd.Trailer...)
	case CommandStat:
		h.cfg.Reporter.ReceivedV0Command()
		return h.render(cmd.Name, h.cfg.Stats)
	case CommandEnvi:
		h.cfg.Reporter.ReceivedV0Command()
		return h.render(cmd.Name, h.cfg.Env)
	case CommandKill:
		h.cfg.Reporter.ReceivedV0Command()
		if !h.cfg.AllowKill {
			log.Warn().Msg("ignoring KILL command, allow_kill is off")
			return nil
		}
		log.Warn().Msg("KILL command received, exiting")
		h.cfg.Exit(1)
		return nil
	default:
		log.Debug().Str("command", cmd.Name).Msg("unknown command")
		h.cfg.Reporter.ReceivedUnknownCommand()
		return nil
	}
}

func (h *CommandHandler) render(name string, fn func() ([]byte, error)) []byte {
	if fn == nil {
		return nil
	}
	out, err := fn()
	if err != nil {
		log.Warn().Err(err).Str("command", name).Msg("failed to render reply")
		h.cfg.Reporter.Exception()
		return nil
	}
	return out
}
