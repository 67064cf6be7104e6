package auditlog

import (
	"encoding/json"
	"errors"
	"time"
)

// Action enumerates audited mutations.
type Action string

const (
	// ActionCreate records a new entity.
	ActionCreate Action = "CREATE"
	// ActionUpdate records a modified entity.
	ActionUpdate Action = "UPDATE"
	// ActionDelete records a removed entity.
	ActionDelete Action = "DELETE"
)

// IsValid reports whether the action is known.
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Entity type names used across the warehouse modules.
const (
	EntityUser          = "User"
	EntityEpp           = "Epp"
	EntityWarehouse     = "Warehouse"
	EntityWorker        = "Worker"
	EntityStock         = "Stock"
	EntityStockMovement = "StockMovement"
	EntityDeliveryBatch = "DeliveryBatch"
	EntityDelivery      = "Delivery"
	EntityReturnBatch   = "ReturnBatch"
	EntityReturn        = "Return"
	EntitySession       = "Session"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string
	ActorID    int64
	Action     Action
	EntityType string
	EntityID   string
	Changes    *ChangeSet
	Metadata   map[string]any
	CreatedAt  time.Time
	ExpiresAt  time.Time

	attempts int
}

// Record is a persisted entry as read back by the query service.
type Record struct {
	ID         string          `json:"id"`
	ActorID    int64           `json:"actor_id"`
	Action     Action          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Changes    json.RawMessage `json:"changes"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Filters narrows the log query.
type Filters struct {
	ActorID    int64     `validate:"gte=0"`
	EntityType string    `validate:"omitempty,max=64"`
	EntityID   string    `validate:"omitempty,max=128"`
	Action     Action    `validate:"omitempty,oneof=CREATE UPDATE DELETE"`
	From       time.Time
	To         time.Time
	Page       int `validate:"gte=0"`
	PageSize   int `validate:"gte=0,lte=200"`
}

// PagingInfo carries simple limit+1 pagination state.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a page of records.
type Result struct {
	Rows   []Record   `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// PurgeResult reports a retention cleanup run.
type PurgeResult struct {
	Deleted int64     `json:"deleted"`
	Batches int       `json:"batches"`
	Oldest  time.Time `json:"oldest,omitempty"`
	Newest  time.Time `json:"newest,omitempty"`
}

// Stats exposes writer counters for introspection.
type Stats struct {
	QueueSize          int       `json:"queue_size"`
	Processing         bool      `json:"processing"`
	RateLimitedActors  int       `json:"rate_limited_actors"`
	LastFlush          time.Time `json:"last_flush"`
	Accepted           uint64    `json:"accepted"`
	Rejected           uint64    `json:"rejected"`
	Dropped            uint64    `json:"dropped"`
	Persisted          uint64    `json:"persisted"`
	BatchSize          int       `json:"batch_size"`
	BatchTimeout       string    `json:"batch_timeout"`
	MaxQueueSize       int       `json:"max_queue_size"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
}

// ErrStoreNotConfigured indicates a missing persistence backend.
var ErrStoreNotConfigured = errors.New("auditlog: store not configured")
