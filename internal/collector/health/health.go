// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/collector/internal/collector/limiter"
	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/domain"
	"github.com/vietddude/collector/internal/infra/connection"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Status SystemStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// Report contains the full system health report.
type Report struct {
	Status      SystemStatus               `json:"status"`
	Components  map[string]ComponentHealth `json:"components"`
	Connection  *connection.Status         `json:"connection,omitempty"`
	Limiter     *limiter.Stats             `json:"limiter,omitempty"`
	User        *limiter.UserStats         `json:"user,omitempty"`
	Cache       *validation.CacheStats     `json:"cache,omitempty"`
	Breakers    map[string]string          `json:"breakers,omitempty"`
	SourceTypes []domain.InterfaceType     `json:"source_types,omitempty"`
	CheckedAt   time.Time                  `json:"checked_at"`
}

// worse returns the more severe of a and b.
func worse(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
