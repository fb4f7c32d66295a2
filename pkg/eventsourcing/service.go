package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	pkgerrors "github.com/angelmondragon/courier/pkg/errors"
	"github.com/angelmondragon/courier/pkg/logger"
	"github.com/angelmondragon/courier/pkg/message"
)

// CommandHandler executes one command type.
type CommandHandler func(ctx context.Context, cmd *message.Message) (any, error)

// ErrorResponse is what Execute returns instead of a result when a command fails.
type ErrorResponse struct {
	CommandType  string `json:"commandType"`
	CommandID    string `json:"commandId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails any    `json:"errorDetails,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("command %s (%s) failed: %s: %s", e.CommandType, e.CommandID, e.ErrorCode, e.ErrorMessage)
}

// ApplicationService dispatches commands through an explicit handler table.
type ApplicationService struct {
	handlers map[string]CommandHandler
	logg     *logger.Logger
}

func NewApplicationService(handlers map[string]CommandHandler, logg *logger.Logger) (*ApplicationService, error) {
	if len(handlers) == 0 {
		return nil, errors.New("at least one command handler is required")
	}
	for name, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("command handler %q is nil", name)
		}
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &ApplicationService{handlers: handlers, logg: logg}, nil
}

// CommandTypes lists the handled command types, sorted.
func (s *ApplicationService) CommandTypes() []string {
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs cmd. A failure never escapes as a plain error: it comes back
// as an ErrorResponse.
func (s *ApplicationService) Execute(ctx context.Context, cmd *message.Message) (any, *ErrorResponse) {
	if cmd == nil {
		return nil, &ErrorResponse{ErrorCode: string(pkgerrors.CodeValidation), ErrorMessage: "command is required"}
	}
	handler, ok := s.handlers[cmd.Type()]
	if !ok {
		return nil, &ErrorResponse{
			CommandType:  cmd.Type(),
			CommandID:    cmd.ID().String(),
			ErrorCode:    string(pkgerrors.CodeValidation),
			ErrorMessage: fmt.Sprintf("command %q cannot be executed by this service", cmd.Type()),
		}
	}

	result, err := handler(ctx, cmd)
	if err == nil {
		return result, nil
	}

	resp := errorResponse(cmd, err)
	ctx = s.logg.WithMessageID(ctx, resp.CommandID)
	ctx = s.logg.WithFields(ctx, map[string]any{"command_type": resp.CommandType, "error_code": resp.ErrorCode})
	s.logg.Warn(ctx, "command rejected")
	return nil, resp
}

func errorResponse(cmd *message.Message, err error) *ErrorResponse {
	resp := &ErrorResponse{
		CommandType:  cmd.Type(),
		CommandID:    cmd.ID().String(),
		ErrorMessage: err.Error(),
	}

	var aggErr *AggregateError
	switch {
	case errors.As(err, &aggErr):
		resp.ErrorCode = aggErr.Name
		resp.ErrorMessage = aggErr.Message
		resp.ErrorDetails = map[string]any{"details": aggErr.Details, "meta": aggErr.Meta}
	case pkgerrors.As(err) != nil:
		typed := pkgerrors.As(err)
		resp.ErrorCode = string(typed.Code())
		resp.ErrorMessage = typed.Message()
		resp.ErrorDetails = typed.Details()
	default:
		resp.ErrorCode = string(pkgerrors.CodeInternal)
	}
	return resp
}
