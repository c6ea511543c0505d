package engine

import (
	"context"
	"errors"
	"fmt"

	"example.com/backstage/cqrs/bus"
	"example.com/backstage/cqrs/domain"
	"example.com/backstage/cqrs/repository"
)

// Decider turns a command and the current aggregate into new events. A
// returned error rejects the command without retries.
type Decider func(agg domain.Aggregate, cmd domain.Command) ([]domain.Event, error)

// AggregateHandler builds a command handler that loads the aggregate named
// by the command, lets decide produce events and saves them at the loaded
// version. Storage errors are retried by the bus; concurrency conflicts and
// rejections are not.
func AggregateHandler(repo *repository.Repository, aggregateType string, decide Decider) bus.CommandHandler {
	return func(ctx context.Context, cmd domain.Command, mc *bus.CommandContext) (domain.CommandResult, error) {
		agg, err := repo.Load(ctx, cmd.AggregateID, aggregateType)
		if err != nil {
			return domain.CommandResult{}, fmt.Errorf("failed to load %s %s: %w", aggregateType, cmd.AggregateID, err)
		}

		events, err := decide(agg, cmd)
		if err != nil {
			return domain.Failed(err, false), nil
		}
		if len(events) == 0 {
			return domain.Succeeded(agg.Version), nil
		}

		for i := range events {
			events[i] = events[i].CausedBy(cmd)
			events[i].Version = agg.Version + i + 1
			if events[i].AggregateID == "" {
				events[i].AggregateID = cmd.AggregateID
			}
			if events[i].AggregateType == "" {
				events[i].AggregateType = aggregateType
			}
		}

		if err := repo.Save(ctx, cmd.AggregateID, aggregateType, events, agg.Version); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				return domain.Failed(err, false), nil
			}
			return domain.CommandResult{}, err
		}
		return domain.Succeeded(agg.Version+len(events), events...), nil
	}
}
