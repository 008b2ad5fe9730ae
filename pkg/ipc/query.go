package ipc

import (
	"encoding/json"
	"fmt"
)

type QueryKind string

const (
	QueryKindAll         QueryKind = "all"
	QueryKindService     QueryKind = "service"
	QueryKindUsageStats  QueryKind = "usage_stats"
	QueryKindToolHistory QueryKind = "tool_history"
)

// StatusQuery is the closed request union of the control channel. Exactly
// four shapes exist; decoding anything else fails. There is no version
// field anywhere on this wire, so both ends must ship the same schema.
type StatusQuery struct {
	Kind         QueryKind `json:"type"`
	Service      string    `json:"service,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
}

func QueryAll() StatusQuery { return StatusQuery{Kind: QueryKindAll} }

func QueryService(name string) StatusQuery {
	return StatusQuery{Kind: QueryKindService, Service: name}
}

func QueryUsageStats(connectionID string) StatusQuery {
	return StatusQuery{Kind: QueryKindUsageStats, ConnectionID: connectionID}
}

func QueryToolHistory(connectionID string) StatusQuery {
	return StatusQuery{Kind: QueryKindToolHistory, ConnectionID: connectionID}
}

// Validate checks that the query is one of the four legal shapes with its
// required payload set and nothing extraneous.
func (q StatusQuery) Validate() error {
	switch q.Kind {
	case QueryKindAll:
		if q.Service != "" || q.ConnectionID != "" {
			return fmt.Errorf("query %q takes no arguments", q.Kind)
		}
	case QueryKindService:
		if q.Service == "" {
			return fmt.Errorf("query %q requires a service name", q.Kind)
		}
		if q.ConnectionID != "" {
			return fmt.Errorf("query %q takes no connection id", q.Kind)
		}
	case QueryKindUsageStats, QueryKindToolHistory:
		if q.ConnectionID == "" {
			return fmt.Errorf("query %q requires a connection id", q.Kind)
		}
		if q.Service != "" {
			return fmt.Errorf("query %q takes no service name", q.Kind)
		}
	default:
		return fmt.Errorf("unknown query type %q", q.Kind)
	}
	return nil
}

func (q StatusQuery) MarshalJSON() ([]byte, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	type alias StatusQuery
	return json.Marshal(alias(q))
}

func (q *StatusQuery) UnmarshalJSON(data []byte) error {
	type alias StatusQuery
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	out := StatusQuery(a)
	if err := out.Validate(); err != nil {
		return err
	}
	*q = out
	return nil
}
