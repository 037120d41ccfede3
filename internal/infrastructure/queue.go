package infrastructure

import (
	"github.com/architeacher/svc-commerce-core/pkg/queue"
)

// Queue is an alias to the queue.Queue interface so internal packages do not
// import pkg/queue directly.
type Queue = queue.Queue
