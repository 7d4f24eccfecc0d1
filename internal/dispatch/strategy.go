package dispatch

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/task"
)

// Strategy 决定具备能力的 provider 的尝试顺序。
type Strategy string

const (
	StrategyPriority       Strategy = "priority"
	StrategyRoundRobin     Strategy = "round-robin"
	StrategyWeightedRandom Strategy = "weighted-random"
	StrategyCostOptimized  Strategy = "cost-optimized"
)

// Strategies 返回所有受支持的策略。
func Strategies() []Strategy {
	return []Strategy{StrategyPriority, StrategyRoundRobin, StrategyWeightedRandom, StrategyCostOptimized}
}

// ParseStrategy 解析配置中的策略名称，空字符串返回 StrategyPriority。
func ParseStrategy(raw string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	switch normalized {
	case "":
		return StrategyPriority, nil
	case string(StrategyPriority), string(StrategyRoundRobin), string(StrategyWeightedRandom), string(StrategyCostOptimized):
		return Strategy(normalized), nil
	case "roundrobin":
		return StrategyRoundRobin, nil
	case "weighted", "random":
		return StrategyWeightedRandom, nil
	case "cost":
		return StrategyCostOptimized, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的调度策略: %s", raw))
	}
}

func byPriority(ps []provider.Provider) []provider.Provider {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].Capabilities().Priority > ps[j].Capabilities().Priority
	})
	return ps
}

func rotate(ps []provider.Provider, start uint64) []provider.Provider {
	if len(ps) == 0 {
		return ps
	}
	offset := int(start % uint64(len(ps)))
	out := make([]provider.Provider, 0, len(ps))
	out = append(out, ps[offset:]...)
	return append(out, ps[:offset]...)
}

// weightedOrder 按权重做不放回抽样。
func weightedOrder(ps []provider.Provider, rng *rand.Rand) []provider.Provider {
	remaining := append([]provider.Provider(nil), ps...)
	out := make([]provider.Provider, 0, len(ps))
	for len(remaining) > 0 {
		total := 0
		for _, p := range remaining {
			total += p.Capabilities().EffectiveWeight()
		}
		pick := rng.IntN(total)
		idx := 0
		for i, p := range remaining {
			pick -= p.Capabilities().EffectiveWeight()
			if pick < 0 {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return out
}

// cheapest 过滤掉质量不足或超出成本上限的 provider，按成本升序排列。
func cheapest(ps []provider.Provider, cfg task.Config) []provider.Provider {
	out := ps[:0]
	for _, p := range ps {
		caps := p.Capabilities()
		if caps.Quality < cfg.MinQuality {
			continue
		}
		if cfg.MaxCost > 0 && caps.Cost > cfg.MaxCost {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].Capabilities(), out[j].Capabilities()
		if ci.Cost != cj.Cost {
			return ci.Cost < cj.Cost
		}
		return ci.Priority > cj.Priority
	})
	return out
}
