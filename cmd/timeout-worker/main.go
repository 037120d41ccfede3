package main

import (
	"github.com/architeacher/svc-commerce-core/internal/runtime"
)

func main() {
	runtime.NewTimeoutWorkerCtx().Run()
}
