package main

import (
	"go.uber.org/fx"

	"github.com/nemordp/nemordp/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
