package main

import (
	"os"

	"github.com/malbeclabs/smartquery/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
