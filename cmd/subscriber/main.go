package main

import (
	"fmt"
	"os"

	"github.com/architeacher/svc-commerce-core/internal/runtime"
)

func main() {
	role := runtime.Role(os.Getenv("SERVICE_ROLE"))
	if role == "" {
		fmt.Fprintln(os.Stderr, "SERVICE_ROLE must be one of: order, inventory, payment")
		os.Exit(2)
	}

	runtime.NewSubscriber(role).Run()
}
