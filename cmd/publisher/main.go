package main

import (
	"github.com/architeacher/svc-commerce-core/internal/runtime"
)

func main() {
	runtime.NewPublisher().Run()
}
