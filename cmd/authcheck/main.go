package main

import (
	"fmt"
	"os"

	"github.com/johnnydxm/dwaybank-auth/internal/tools/authcheck"
)

func main() {
	if err := authcheck.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
