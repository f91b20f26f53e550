// Package metrics exposes Prometheus gauges describing fleet health,
// backing both GET /metrics and the derived figures in
// GET /api/cluster/stats.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
)

// Collector samples the registry and pool on every scrape rather than
// being updated incrementally, so it can never drift from the
// authoritative in-memory state.
type Collector struct {
	reg  *registry.Registry
	pool *pool.Pool

	slavesByStatus *prometheus.GaugeVec
	agentsByStatus *prometheus.GaugeVec
	capacityUsed   prometheus.Gauge
	capacityTotal  prometheus.Gauge
}

// NewCollector builds and registers a Collector against reg.
func NewCollector(reg *registry.Registry, p *pool.Pool, reg2 *prometheus.Registry) *Collector {
	c := &Collector{
		reg:  reg,
		pool: p,
		slavesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "slaves",
			Name:      "count",
			Help:      "Number of registered slaves by status.",
		}, []string{"status"}),
		agentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "agents",
			Name:      "count",
			Help:      "Number of hosted agents by status.",
		}, []string{"status"}),
		capacityUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "pool",
			Name:      "capacity_used",
			Help:      "Total hosted agent slots currently occupied across the fleet.",
		}),
		capacityTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Subsystem: "pool",
			Name:      "capacity_total",
			Help:      "Total hosted agent slots available across the fleet, including overbooking.",
		}),
	}

	reg2.MustRegister(c.slavesByStatus, c.agentsByStatus, c.capacityUsed, c.capacityTotal)
	return c
}

// Refresh recomputes every gauge from current registry/pool state. Call it
// just before a scrape (e.g. from the /metrics handler) since Prometheus
// gauges do not pull automatically.
func (c *Collector) Refresh() {
	c.slavesByStatus.Reset()
	statusCounts := map[model.SlaveStatus]int{}
	var totalCapacity float64
	factors := pool.DefaultOverbookingFactors()

	for _, s := range c.reg.Snapshot() {
		statusCounts[s.Status]++
		factor := factors[s.DeviceType]
		if factor == 0 {
			factor = 1.0
		}
		totalCapacity += float64(s.Capabilities.MaxAgents) * factor
	}
	for status, n := range statusCounts {
		c.slavesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	c.capacityTotal.Set(totalCapacity)

	c.agentsByStatus.Reset()
	agentCounts := map[model.HostedAgentStatus]int{}
	used := 0
	for _, a := range c.pool.Placements() {
		agentCounts[a.Status]++
		switch a.Status {
		case model.AgentActive, model.AgentPendingDeploy, model.AgentPendingUpdate:
			used++
		}
	}
	for status, n := range agentCounts {
		c.agentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	c.capacityUsed.Set(float64(used))
}

// Stats is a point-in-time summary backing GET /api/cluster/stats.
type Stats struct {
	SlavesOnline         int                          `json:"slaves_online"`
	SlavesTotal          int                          `json:"slaves_total"`
	AgentsActive         int                          `json:"agents_active"`
	AgentsTotal          int                          `json:"agents_total"`
	CapacityUtilization  float64                      `json:"capacity_utilization_pct"`
	OverbookingFactors   map[model.DeviceType]float64 `json:"overbooking_factors"`
}

// Compute returns the current Stats without touching the Prometheus
// gauges, for direct JSON serving.
func Compute(reg *registry.Registry, p *pool.Pool) Stats {
	factors := pool.DefaultOverbookingFactors()
	slaves := reg.Snapshot()

	online := 0
	var totalCapacity float64
	for _, s := range slaves {
		if s.Status == model.SlaveOnline {
			online++
		}
		factor := factors[s.DeviceType]
		if factor == 0 {
			factor = 1.0
		}
		totalCapacity += float64(s.Capabilities.MaxAgents) * factor
	}

	agents := p.Placements()
	active := 0
	used := 0
	for _, a := range agents {
		if a.Status == model.AgentActive {
			active++
		}
		switch a.Status {
		case model.AgentActive, model.AgentPendingDeploy, model.AgentPendingUpdate:
			used++
		}
	}

	util := 0.0
	if totalCapacity > 0 {
		util = float64(used) / totalCapacity * 100
	}

	return Stats{
		SlavesOnline:        online,
		SlavesTotal:         len(slaves),
		AgentsActive:        active,
		AgentsTotal:         len(agents),
		CapacityUtilization: util,
		OverbookingFactors:  factors,
	}
}
