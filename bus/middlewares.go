package bus

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/utils"
)

// CommandLogging logs every command attempt
func CommandLogging() CommandMiddleware {
	return func(mc *CommandContext, next Next) error {
		start := time.Now()
		err := next()

		evt := log.Info()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("commandType", mc.Command.Type).
			Str("commandID", mc.Command.ID).
			Str("aggregateID", mc.Command.AggregateID).
			Str("correlationID", mc.Command.Metadata.CorrelationID).
			Int("attempt", mc.Attempt+1).
			Bool("aborted", mc.Aborted()).
			Dur("duration", time.Since(start)).
			Msg("Command handled")
		return err
	}
}

// QueryLogging logs every query execution
func QueryLogging() QueryMiddleware {
	return func(qc *QueryContext, next Next) error {
		start := time.Now()
		err := next()

		evt := log.Debug()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("queryType", qc.Query.Type).
			Str("queryID", qc.Query.ID).
			Bool("aborted", qc.Aborted()).
			Dur("duration", time.Since(start)).
			Msg("Query handled")
		return err
	}
}

// CommandRecovery turns a panic further down the chain into an error
func CommandRecovery() CommandMiddleware {
	return func(mc *CommandContext, next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("commandType", mc.Command.Type).Interface("panic", r).Msg("Recovered from panic")
				err = fmt.Errorf("panic handling %s: %v", mc.Command.Type, r)
			}
		}()
		return next()
	}
}

// PayloadValidator checks command payloads against registered schema
// structs tagged for go-playground/validator.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[string]reflect.Type
}

// NewPayloadValidator creates an empty validator
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: make(map[string]reflect.Type)}
}

// Register associates a command type with a schema. schema is a struct value
// or pointer whose fields carry json and validate tags.
func (v *PayloadValidator) Register(commandType string, schema any) {
	t := reflect.TypeOf(schema)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[commandType] = t
}

// Validate decodes the payload into the registered schema and validates it.
// Commands without a schema pass.
func (v *PayloadValidator) Validate(cmd domain.Command) error {
	v.mu.RLock()
	t, ok := v.schemas[cmd.Type]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	target := reflect.New(t).Interface()
	if err := domain.DecodePayload(cmd.Payload, target); err != nil {
		return err
	}
	if err := utils.ValidateStruct(target); err != nil {
		return fmt.Errorf("%s", utils.ValidationMessage(err))
	}
	return nil
}

// Middleware aborts commands whose payload fails validation
func (v *PayloadValidator) Middleware() CommandMiddleware {
	return func(mc *CommandContext, next Next) error {
		if err := v.Validate(mc.Command); err != nil {
			mc.Abort("invalid payload: " + err.Error())
			return nil
		}
		return next()
	}
}

// CommandTracing records each command attempt as a New Relic transaction.
// A nil application disables tracing.
func CommandTracing(app *newrelic.Application) CommandMiddleware {
	return func(mc *CommandContext, next Next) error {
		if app == nil {
			return next()
		}

		txn := app.StartTransaction("command/" + mc.Command.Type)
		defer txn.End()
		txn.AddAttribute("commandId", mc.Command.ID)
		txn.AddAttribute("aggregateId", mc.Command.AggregateID)
		txn.AddAttribute("attempt", mc.Attempt)
		mc.SetContext(newrelic.NewContext(mc.Context(), txn))

		err := next()
		if err != nil {
			txn.NoticeError(err)
		}
		return err
	}
}

// QueryTracing records each query as a New Relic transaction
func QueryTracing(app *newrelic.Application) QueryMiddleware {
	return func(qc *QueryContext, next Next) error {
		if app == nil {
			return next()
		}

		txn := app.StartTransaction("query/" + qc.Query.Type)
		defer txn.End()
		txn.AddAttribute("queryId", qc.Query.ID)
		qc.SetContext(newrelic.NewContext(qc.Context(), txn))

		err := next()
		if err != nil {
			txn.NoticeError(err)
		}
		return err
	}
}
