package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/gearlink/cmd/gearlink/app"
)

func main() {
	app.NewApp().Run()
}
