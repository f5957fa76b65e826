package main

import (
	"github.com/sidkik/vitadeploy/cmd"
	"github.com/sidkik/vitadeploy/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
