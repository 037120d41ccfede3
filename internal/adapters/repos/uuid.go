package repos

import "github.com/google/uuid"

var (
	// OutboxNamespace is the UUID V5 namespace for outbox events
	// Generated via: uuid_generate_v5('6ba7b811-9dad-11d1-80b4-00c04fd430c8', 'svc-commerce-core:outbox')
	OutboxNamespace = uuid.MustParse("df9a01fd-9f6d-52fe-bddc-bef76eabd5dd")
)
