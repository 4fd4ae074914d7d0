package http

import (
	"go.uber.org/fx"

	instancetransport "github.com/nemordp/nemordp/internal/transport/http/instance"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	instancetransport.Module,
)
