package invoice

import (
	"github.com/smallbiznis/dojoflow/internal/invoice/repository"
	"github.com/smallbiznis/dojoflow/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
