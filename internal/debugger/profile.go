package debugger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/meritflow/internal/checkpoint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Profile measures the window between two checkpoints of a run. Per-agent
// times are the growth of each agent's cumulative time across the window.
// An agent is a bottleneck when its time exceeds BottleneckFactor times the
// mean agent time; the window itself is one when it exceeds
// DurationThreshold.
func (d *Debugger) Profile(ctx context.Context, startID, endID string, persist bool) (*checkpoint.PerformanceProfile, error) {
	ctx, span := d.tracer.Start(ctx, "debugger.profile",
		trace.WithAttributes(
			attribute.String("checkpoint.start", startID),
			attribute.String("checkpoint.end", endID),
			attribute.Bool("persist", persist),
		))
	defer span.End()

	p, err := d.profile(ctx, startID, endID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("profile.duration_ms", p.DurationMs),
		attribute.Int("profile.bottlenecks", len(p.Bottlenecks)),
	)

	if persist {
		if err := d.checkpoints.SaveProfile(ctx, p); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to persist performance profile: %w", err)
		}
	}
	return p, nil
}

func (d *Debugger) profile(ctx context.Context, startID, endID string) (*checkpoint.PerformanceProfile, error) {
	if cached, ok := d.profiles.Get(pairKey(startID, endID)); ok {
		return cached.Clone(), nil
	}

	start, err := d.checkpoints.Get(ctx, startID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", startID, err)
	}
	end, err := d.checkpoints.Get(ctx, endID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", endID, err)
	}
	if end.Timestamp.Before(start.Timestamp) {
		return nil, fmt.Errorf("%w: %s before %s", ErrInvalidRange, endID, startID)
	}

	duration := end.Timestamp.Sub(start.Timestamp)
	p := &checkpoint.PerformanceProfile{
		StartCheckpoint:     startID,
		EndCheckpoint:       endID,
		DurationMs:          float64(duration) / float64(time.Millisecond),
		MemoryUsageMB:       end.PerformanceMetrics.MemoryMB - start.PerformanceMetrics.MemoryMB,
		AgentExecutionTimes: agentDeltas(start.PerformanceMetrics.AgentExecutionTimes, end.PerformanceMetrics.AgentExecutionTimes),
		Bottlenecks:         []string{},
		Recommendations:     []string{},
		Timestamp:           d.now().UTC(),
	}
	d.findBottlenecks(p, duration)

	d.profiles.Add(pairKey(startID, endID), p.Clone())
	return p, nil
}

func agentDeltas(start, end map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(end))
	for agent, t := range end {
		delta := t - start[agent]
		if delta < 0 {
			delta = 0
		}
		out[agent] = delta
	}
	return out
}

func (d *Debugger) findBottlenecks(p *checkpoint.PerformanceProfile, duration time.Duration) {
	if n := len(p.AgentExecutionTimes); n > 0 {
		var total float64
		agents := make([]string, 0, n)
		for agent, t := range p.AgentExecutionTimes {
			total += t
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		mean := total / float64(n)
		limit := d.cfg.BottleneckFactor * mean
		for _, agent := range agents {
			t := p.AgentExecutionTimes[agent]
			if t > limit {
				p.Bottlenecks = append(p.Bottlenecks, agent)
				p.Recommendations = append(p.Recommendations, fmt.Sprintf(
					"agent %s took %.0fms, more than %gx the mean of %.0fms; consider caching or parallelizing its work",
					agent, t, d.cfg.BottleneckFactor, mean))
			}
		}
	}

	if duration > d.cfg.DurationThreshold {
		p.Bottlenecks = append(p.Bottlenecks, "total_duration")
		p.Recommendations = append(p.Recommendations, fmt.Sprintf(
			"total duration %s exceeds %s; consider splitting the workflow or enabling streaming",
			duration.Round(time.Millisecond), d.cfg.DurationThreshold))
	}
}
