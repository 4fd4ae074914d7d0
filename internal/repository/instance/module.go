package instance

import "go.uber.org/fx"

// Module provides the instance repository to Fx.
var Module = fx.Provide(NewRepository)
