package main

import (
	"context"
	"os"
)

func main() {
	if err := execute(context.Background(), buildApp, os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}
