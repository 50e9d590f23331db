package qualityprobe

import (
	"context"
	"math"
	"sort"
	"time"
)

// Search algorithm parameters, all fixed per the wire contract.
const (
	WarmupDuration  = 800 * time.Millisecond
	StageDuration   = 1500 * time.Millisecond
	GrowthFactor    = 1.6
	PlateauDelta    = 0.05
	PlateauLimit    = 2
	MinMeasureStages = 3
	MaxStages       = 14
	MaxRefineSteps  = 4
	ThroughputFloor = 0.90
	LossCeiling     = 0.02
	MinTargetBps    = 20_000_000
	MaxTargetBps    = 10_000_000_000
)

// StageResult is one probed stage's outcome.
type StageResult struct {
	TargetBps      float64
	ThroughputBps  float64
	LossRatio      float64
	Stable         bool
	Refinement     bool
	Warmup         bool
}

// StageRunner requests the host emit probe traffic at targetBps for
// duration and reports the measured throughput and loss ratio.
type StageRunner func(ctx context.Context, targetBps float64, duration time.Duration) (throughputBps, lossRatio float64, err error)

// Pinger performs a single TCP control-channel ping and returns its RTT.
type Pinger func(ctx context.Context) (time.Duration, error)

// FrameSampler times one synthetic-clip sample (a decode or an encode),
// returning the elapsed milliseconds.
type FrameSampler func(ctx context.Context) (ms float64, err error)

// Result is the final probe report.
type Result struct {
	RTTMs               float64
	LossPercent         float64
	MaxStableBitrateBps float64
	HostEncodeMs        float64
	ClientDecodeMs      float64
	Stages              []StageResult
}

// MedianPing runs ping three times and returns the median RTT in
// milliseconds.
func MedianPing(ctx context.Context, ping Pinger) (float64, error) {
	samples := make([]float64, 0, 3)
	for i := 0; i < 3; i++ {
		d, err := ping(ctx)
		if err != nil {
			return 0, err
		}
		samples = append(samples, float64(d.Microseconds())/1000)
	}
	sort.Float64s(samples)
	return samples[1], nil
}

// RunFrameBenchmark samples totalSamples frames via sampleFn, discards the
// first 5 (warm-up/JIT effects) and averages the rest.
func RunFrameBenchmark(ctx context.Context, sampleFn FrameSampler, totalSamples int) (float64, error) {
	const discard = 5
	if totalSamples <= discard {
		totalSamples = discard + 1
	}
	var sum float64
	kept := 0
	for i := 0; i < totalSamples; i++ {
		ms, err := sampleFn(ctx)
		if err != nil {
			return 0, err
		}
		if i < discard {
			continue
		}
		sum += ms
		kept++
	}
	if kept == 0 {
		return 0, nil
	}
	return sum / float64(kept), nil
}

// Run executes the full staged search: RTT, parallel encode/decode
// benchmarks, the growth-then-plateau stage loop, and binary refinement
// if the search goes unstable before converging.
func Run(ctx context.Context, ping Pinger, runStage StageRunner, clientDecode, hostEncode FrameSampler) (Result, error) {
	rttMs, err := MedianPing(ctx, ping)
	if err != nil {
		return Result{}, err
	}

	type benchOut struct {
		ms  float64
		err error
	}
	decodeCh := make(chan benchOut, 1)
	encodeCh := make(chan benchOut, 1)
	go func() {
		ms, err := RunFrameBenchmark(ctx, clientDecode, 65)
		decodeCh <- benchOut{ms, err}
	}()
	go func() {
		ms, err := RunFrameBenchmark(ctx, hostEncode, 65)
		encodeCh <- benchOut{ms, err}
	}()
	decodeOut := <-decodeCh
	encodeOut := <-encodeCh
	if decodeOut.err != nil {
		return Result{}, decodeOut.err
	}
	if encodeOut.err != nil {
		return Result{}, encodeOut.err
	}

	// Stage 0 is a warmup burst at the floor target: it primes the path
	// (congestion window, NIC offload, etc.) but is never measured and
	// never counts toward plateau/measured-stage accounting.
	warmupThroughput, warmupLoss, _ := runStage(ctx, MinTargetBps, WarmupDuration)
	stages := []StageResult{{
		TargetBps:     MinTargetBps,
		ThroughputBps: warmupThroughput,
		LossRatio:     warmupLoss,
		Warmup:        true,
	}}

	growthStages, lastStableBps, lastStableLoss := growthPhase(ctx, runStage)
	stages = append(stages, growthStages...)

	refineNeeded := len(growthStages) > 0 && !growthStages[len(growthStages)-1].Stable
	if refineNeeded {
		refined, stableBps, stableLoss := refinementPhase(ctx, runStage, lastStableBps, growthStages[len(growthStages)-1].TargetBps)
		stages = append(stages, refined...)
		if stableBps > 0 {
			lastStableBps = stableBps
			lastStableLoss = stableLoss
		}
	}

	maxStable := math.Max(MinTargetBps, lastStableBps)

	return Result{
		RTTMs:               rttMs,
		LossPercent:         lastStableLoss * 100,
		MaxStableBitrateBps: maxStable,
		HostEncodeMs:        encodeOut.ms,
		ClientDecodeMs:      decodeOut.ms,
		Stages:              stages,
	}, nil
}

func growthPhase(ctx context.Context, runStage StageRunner) (stages []StageResult, lastStableBps, lastStableLoss float64) {
	target := float64(MinTargetBps)
	plateauCount := 0
	measured := 0
	var prevStableBps float64

	for len(stages) < MaxStages {
		throughput, loss, err := runStage(ctx, target, StageDuration)
		if err != nil {
			break
		}
		stable := throughput >= ThroughputFloor*target && loss <= LossCeiling
		stages = append(stages, StageResult{TargetBps: target, ThroughputBps: throughput, LossRatio: loss, Stable: stable})

		if !stable {
			return stages, lastStableBps, lastStableLoss
		}

		lastStableBps = target
		lastStableLoss = loss
		measured++

		improvement := math.Inf(1)
		if prevStableBps > 0 {
			improvement = (target - prevStableBps) / prevStableBps
		}
		prevStableBps = target

		if improvement < PlateauDelta {
			plateauCount++
		} else {
			plateauCount = 0
		}
		if plateauCount >= PlateauLimit && measured >= MinMeasureStages {
			return stages, lastStableBps, lastStableLoss
		}

		target = math.Min(target*GrowthFactor, MaxTargetBps)
	}
	return stages, lastStableBps, lastStableLoss
}

func refinementPhase(ctx context.Context, runStage StageRunner, low, high float64) (stages []StageResult, stableBps, stableLoss float64) {
	if low <= 0 {
		low = MinTargetBps
	}
	measured := 0
	for step := 0; step < MaxRefineSteps; step++ {
		if high <= 0 || low >= high {
			break
		}
		target := math.Sqrt(low * high)
		throughput, loss, err := runStage(ctx, target, StageDuration)
		if err != nil {
			break
		}
		stable := throughput >= ThroughputFloor*target && loss <= LossCeiling
		stages = append(stages, StageResult{TargetBps: target, ThroughputBps: throughput, LossRatio: loss, Stable: stable, Refinement: true})
		measured++

		if stable {
			low = target
			stableBps = target
			stableLoss = loss
		} else {
			high = target
		}

		if high > 0 && low > 0 && high/low <= 1.1 && measured >= MinMeasureStages {
			break
		}
	}
	return stages, stableBps, stableLoss
}
