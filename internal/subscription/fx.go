package subscription

import (
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/internal/subscription/repository"
	"github.com/smallbiznis/creditline/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) subscriptiondomain.Service { return s },
		func(s *service.Service) subscriptiondomain.Transitions { return s },
	),
)
