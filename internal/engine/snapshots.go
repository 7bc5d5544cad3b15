package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/1NF3RM0/MyBot/internal/analysis/indicator"
	"github.com/1NF3RM0/MyBot/internal/pipeline"
)

// Snapshots 是单个标的在一个周期内的主周期快照与可选的高周期快照。
// Degraded 列出本次缺失的可选部分（动量、波动率或高周期 K 线）。
type Snapshots struct {
	Base     indicator.Snapshot
	Higher   *indicator.Snapshot
	Degraded []pipeline.Role
}

// SnapshotBuilder 为标的生成本周期的指标快照。
type SnapshotBuilder interface {
	Build(ctx context.Context, symbol, cycleID string) (Snapshots, error)
}

// PipelineSnapshots 用快照 pipeline 生成主周期与高周期快照。
type PipelineSnapshots struct {
	Pipeline       *pipeline.Pipeline
	Interval       string
	HigherInterval string
}

func (p *PipelineSnapshots) Build(ctx context.Context, symbol, cycleID string) (Snapshots, error) {
	if p == nil || p.Pipeline == nil {
		return Snapshots{}, fmt.Errorf("snapshot pipeline not configured")
	}
	ac := pipeline.NewContext(symbol, cycleID)
	if err := p.Pipeline.Run(ctx, ac); err != nil {
		return Snapshots{}, err
	}
	base, ok := ac.Snapshot(p.Interval)
	if !ok {
		return Snapshots{}, fmt.Errorf("%s %s: %w", symbol, p.Interval, indicator.ErrInsufficientHistory)
	}
	out := Snapshots{Base: base, Degraded: ac.Degraded()}
	higher := strings.TrimSpace(p.HigherInterval)
	if higher != "" && !strings.EqualFold(higher, p.Interval) {
		if snap, ok := ac.Snapshot(higher); ok {
			out.Higher = &snap
		}
	}
	return out, nil
}
