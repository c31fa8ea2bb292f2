package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingName    = errors.New("missing command name")
)

// Command is one operator request. It is consumed exactly once by the
// dispatcher and never retried.
type Command struct {
	ID         string
	Name       string
	Data       map[string]any
	SenderID   string
	SenderName string
	ReceivedAt time.Time

	// run replaces the registry lookup for internal commands.
	run Handler
}

// New builds a command with a fresh id and a normalized name.
func New(name string, data map[string]any, senderID, senderName string) (Command, error) {
	n := NormalizeName(name)
	if n == "" {
		return Command{}, ErrMissingName
	}
	if data == nil {
		data = map[string]any{}
	}
	return Command{
		ID:         uuid.NewString(),
		Name:       n,
		Data:       data,
		SenderID:   senderID,
		SenderName: senderName,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Internal builds a command that runs fn on the control loop instead of a
// registered handler. It never appears in the catalog.
func Internal(name, senderID string, fn Handler) Command {
	return Command{
		ID:         uuid.NewString(),
		Name:       NormalizeName(name),
		Data:       map[string]any{},
		SenderID:   senderID,
		ReceivedAt: time.Now().UTC(),
		run:        fn,
	}
}

// NormalizeName case-folds a command name so lookups ignore case.
func NormalizeName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// DecodeArgs decodes the untyped parameter map into out, a pointer to a
// struct whose fields carry `arg` tags. Numeric strings and numbers are
// converted to the field type; keys match case-insensitively.
func DecodeArgs(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "arg",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("args decoder: %w", err)
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

// ArgError reports a missing or invalid argument.
type ArgError struct {
	Arg    string
	Reason string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("argument %s: %s", e.Arg, e.Reason)
}

func Required(arg string) error {
	return &ArgError{Arg: arg, Reason: "required"}
}
