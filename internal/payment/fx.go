package payment

import (
	"github.com/smallbiznis/dojoflow/internal/payment/adapters"
	"github.com/smallbiznis/dojoflow/internal/payment/repository"
	"github.com/smallbiznis/dojoflow/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	adapters.Module,
	webhook.Module,
	fx.Provide(repository.Provide),
)
