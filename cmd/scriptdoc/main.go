package main

import (
	"os"

	"github.com/SCIInstitute/tuvok-scripting/cmd/scriptdoc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
