package settings

import (
	"github.com/smallbiznis/dojoflow/internal/settings/repository"
	"github.com/smallbiznis/dojoflow/internal/settings/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settings",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
