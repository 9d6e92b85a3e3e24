package notification

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/escrow/internal/config"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("escrow.notification",
	fx.Provide(NewNotifier),
)

type Params struct {
	fx.In

	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// NewNotifier builds the configured sink. The redis sink also logs so that
// operators can correlate a missed message with the action that caused it.
func NewNotifier(p Params) domain.Notifier {
	logSink := NewLogNotifier(p.Log)
	if p.Cfg.Escrow.NotificationSink == config.NotificationSinkRedis && p.Client != nil {
		return Fanout{NewRedisNotifier(p.Client, p.Cfg.Escrow.NotificationChannel), logSink}
	}
	if p.Cfg.Escrow.NotificationSink == config.NotificationSinkRedis {
		p.Log.Warn("redis notification sink configured without a redis client; logging only")
	}
	return logSink
}
