package notifier

import (
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notifier",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, m *metrics.Metrics, log *zap.Logger) Notifier {
	return NewSMTP(SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, m, log.Named("notifier"))
}
