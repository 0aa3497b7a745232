package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coffersTech/labxstream/internal/config"
	"github.com/coffersTech/labxstream/internal/logger"
)

// Build opens every sink named in cfg.Sinks, each behind its own batcher.
// It returns nil when no sink is configured.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (Sink, error) {
	var out Multi
	fail := func(err error) (Sink, error) {
		_ = out.Close()
		return nil, err
	}

	for _, name := range cfg.Sinks {
		var s Sink
		switch name {
		case config.SinkPostgres:
			pg, err := OpenPostgres(cfg.PostgresDSN, cfg.BatchSize, logger.NewGormLogger(log.With().Str("sink", name).Logger()))
			if err != nil {
				return fail(err)
			}
			s = pg
		case config.SinkCloudWatch:
			client, err := NewCloudWatchClient(ctx, cfg.CloudWatchRegion, cfg.CloudWatchProfile)
			if err != nil {
				return fail(err)
			}
			s = NewCloudWatch(client, cfg.CloudWatchGroup, cfg.CloudWatchStream)
		case config.SinkFile:
			f, err := OpenJSONL(cfg.FilePath)
			if err != nil {
				return fail(err)
			}
			s = f
		default:
			return fail(fmt.Errorf("%w: unknown sink %q", ErrOpenSink, name))
		}
		out = append(out, NewBatched(s, cfg.BatchSize, cfg.FlushInterval.Std(), log.With().Str("sink", name).Logger()))
		log.Info().Str("sink", name).Msg("sink enabled")
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
