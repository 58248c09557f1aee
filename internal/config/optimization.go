package config

import (
	"fmt"
	"time"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
)

// Load-balancing strategies understood by the selector
const (
	StrategyAdaptive   = "adaptive"
	StrategyRoundRobin = "round_robin"
	StrategyStatic     = "static"
)

// Optimization holds the hot-reconfigurable orchestration settings
type Optimization struct {
	Cache          CacheConfig          `koanf:"cache" json:"cache"`
	LoadBalancing  LoadBalancingConfig  `koanf:"load_balancing" json:"load_balancing"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" json:"circuit_breaker"`
	Parallel       ParallelConfig       `koanf:"parallel" json:"parallel"`
	Fusion         FusionConfig         `koanf:"fusion" json:"fusion"`
}

type CacheConfig struct {
	Enabled     bool          `koanf:"enabled" json:"enabled"`
	MaxSize     int           `koanf:"max_size" json:"max_size"`
	DefaultTTL  time.Duration `koanf:"default_ttl" json:"default_ttl"`
	Preload     bool          `koanf:"preload" json:"preload"`
	PreloadURLs []string      `koanf:"preload_urls" json:"preload_urls,omitempty"`
}

type LoadBalancingConfig struct {
	Enabled             bool          `koanf:"enabled" json:"enabled"`
	Strategy            string        `koanf:"strategy" json:"strategy"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval" json:"health_check_interval"`
}

type CircuitBreakerConfig struct {
	Enabled           bool          `koanf:"enabled" json:"enabled"`
	FailureThreshold  int           `koanf:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout   time.Duration `koanf:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxProbes int           `koanf:"half_open_max_probes" json:"half_open_max_probes"`
}

type ParallelConfig struct {
	Enabled               bool          `koanf:"enabled" json:"enabled"`
	MaxConcurrentRequests int           `koanf:"max_concurrent_requests" json:"max_concurrent_requests"`
	Timeout               time.Duration `koanf:"timeout" json:"timeout"`
	// MaxGlobalConcurrent bounds in-flight pipeline runs across requests; 0 disables the bound
	MaxGlobalConcurrent int `koanf:"max_global_concurrent" json:"max_global_concurrent"`
}

type FusionConfig struct {
	Enabled                bool    `koanf:"enabled" json:"enabled"`
	ConsensusThreshold     float64 `koanf:"consensus_threshold" json:"consensus_threshold"`
	WeightAdjustmentFactor float64 `koanf:"weight_adjustment_factor" json:"weight_adjustment_factor"`
}

// DefaultOptimization returns the built-in orchestration settings
func DefaultOptimization() Optimization {
	return Optimization{
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    1000,
			DefaultTTL: 24 * time.Hour,
		},
		LoadBalancing: LoadBalancingConfig{
			Enabled:             true,
			Strategy:            StrategyAdaptive,
			HealthCheckInterval: 30 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:           true,
			FailureThreshold:  5,
			RecoveryTimeout:   60 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		Parallel: ParallelConfig{
			Enabled:               true,
			MaxConcurrentRequests: 3,
			Timeout:               30 * time.Second,
		},
		Fusion: FusionConfig{
			Enabled:                true,
			ConsensusThreshold:     0.7,
			WeightAdjustmentFactor: 0.1,
		},
	}
}

// Validate checks durations are positive and thresholds sit in (0,1]
func (o Optimization) Validate() error {
	switch {
	case o.Cache.MaxSize <= 0:
		return invalid("cache.max_size must be > 0 (got %d)", o.Cache.MaxSize)
	case o.Cache.DefaultTTL <= 0:
		return invalid("cache.default_ttl must be > 0 (got %s)", o.Cache.DefaultTTL)
	case o.LoadBalancing.HealthCheckInterval <= 0:
		return invalid("load_balancing.health_check_interval must be > 0 (got %s)", o.LoadBalancing.HealthCheckInterval)
	case o.CircuitBreaker.FailureThreshold <= 0:
		return invalid("circuit_breaker.failure_threshold must be > 0 (got %d)", o.CircuitBreaker.FailureThreshold)
	case o.CircuitBreaker.RecoveryTimeout <= 0:
		return invalid("circuit_breaker.recovery_timeout must be > 0 (got %s)", o.CircuitBreaker.RecoveryTimeout)
	case o.CircuitBreaker.HalfOpenMaxProbes <= 0:
		return invalid("circuit_breaker.half_open_max_probes must be > 0 (got %d)", o.CircuitBreaker.HalfOpenMaxProbes)
	case o.Parallel.MaxConcurrentRequests <= 0:
		return invalid("parallel.max_concurrent_requests must be > 0 (got %d)", o.Parallel.MaxConcurrentRequests)
	case o.Parallel.Timeout <= 0:
		return invalid("parallel.timeout must be > 0 (got %s)", o.Parallel.Timeout)
	case o.Parallel.MaxGlobalConcurrent < 0:
		return invalid("parallel.max_global_concurrent must be >= 0 (got %d)", o.Parallel.MaxGlobalConcurrent)
	case !unitInterval(o.Fusion.ConsensusThreshold):
		return invalid("fusion.consensus_threshold must be in (0,1] (got %v)", o.Fusion.ConsensusThreshold)
	case !unitInterval(o.Fusion.WeightAdjustmentFactor):
		return invalid("fusion.weight_adjustment_factor must be in (0,1] (got %v)", o.Fusion.WeightAdjustmentFactor)
	}

	switch o.LoadBalancing.Strategy {
	case StrategyAdaptive, StrategyRoundRobin, StrategyStatic:
	default:
		return invalid("unknown load_balancing.strategy %q", o.LoadBalancing.Strategy)
	}
	return nil
}

func unitInterval(v float64) bool {
	return v > 0 && v <= 1
}

func invalid(format string, args ...interface{}) error {
	return apperrors.NewConfigurationError(fmt.Sprintf(format, args...), nil)
}

// OptimizationOverrides is a partial Optimization; nil fields are left untouched
type OptimizationOverrides struct {
	Cache          *CacheOverrides          `json:"cache,omitempty"`
	LoadBalancing  *LoadBalancingOverrides  `json:"load_balancing,omitempty"`
	CircuitBreaker *CircuitBreakerOverrides `json:"circuit_breaker,omitempty"`
	Parallel       *ParallelOverrides       `json:"parallel,omitempty"`
	Fusion         *FusionOverrides         `json:"fusion,omitempty"`
}

type CacheOverrides struct {
	Enabled    *bool     `json:"enabled,omitempty"`
	MaxSize    *int      `json:"max_size,omitempty"`
	DefaultTTL *Duration `json:"default_ttl,omitempty"`
	Preload    *bool     `json:"preload,omitempty"`
}

type LoadBalancingOverrides struct {
	Enabled             *bool     `json:"enabled,omitempty"`
	Strategy            *string   `json:"strategy,omitempty"`
	HealthCheckInterval *Duration `json:"health_check_interval,omitempty"`
}

type CircuitBreakerOverrides struct {
	Enabled           *bool     `json:"enabled,omitempty"`
	FailureThreshold  *int      `json:"failure_threshold,omitempty"`
	RecoveryTimeout   *Duration `json:"recovery_timeout,omitempty"`
	HalfOpenMaxProbes *int      `json:"half_open_max_probes,omitempty"`
}

type ParallelOverrides struct {
	Enabled               *bool     `json:"enabled,omitempty"`
	MaxConcurrentRequests *int      `json:"max_concurrent_requests,omitempty"`
	Timeout               *Duration `json:"timeout,omitempty"`
	MaxGlobalConcurrent   *int      `json:"max_global_concurrent,omitempty"`
}

type FusionOverrides struct {
	Enabled                *bool    `json:"enabled,omitempty"`
	ConsensusThreshold     *float64 `json:"consensus_threshold,omitempty"`
	WeightAdjustmentFactor *float64 `json:"weight_adjustment_factor,omitempty"`
}

// Merge applies overrides on top of o and validates the outcome.
// On error the returned value must be discarded.
func (o Optimization) Merge(ov OptimizationOverrides) (Optimization, error) {
	out := o
	if c := ov.Cache; c != nil {
		setBool(&out.Cache.Enabled, c.Enabled)
		setInt(&out.Cache.MaxSize, c.MaxSize)
		setDuration(&out.Cache.DefaultTTL, c.DefaultTTL)
		setBool(&out.Cache.Preload, c.Preload)
	}
	if lb := ov.LoadBalancing; lb != nil {
		setBool(&out.LoadBalancing.Enabled, lb.Enabled)
		if lb.Strategy != nil {
			out.LoadBalancing.Strategy = *lb.Strategy
		}
		setDuration(&out.LoadBalancing.HealthCheckInterval, lb.HealthCheckInterval)
	}
	if cb := ov.CircuitBreaker; cb != nil {
		setBool(&out.CircuitBreaker.Enabled, cb.Enabled)
		setInt(&out.CircuitBreaker.FailureThreshold, cb.FailureThreshold)
		setDuration(&out.CircuitBreaker.RecoveryTimeout, cb.RecoveryTimeout)
		setInt(&out.CircuitBreaker.HalfOpenMaxProbes, cb.HalfOpenMaxProbes)
	}
	if p := ov.Parallel; p != nil {
		setBool(&out.Parallel.Enabled, p.Enabled)
		setInt(&out.Parallel.MaxConcurrentRequests, p.MaxConcurrentRequests)
		setDuration(&out.Parallel.Timeout, p.Timeout)
		setInt(&out.Parallel.MaxGlobalConcurrent, p.MaxGlobalConcurrent)
	}
	if f := ov.Fusion; f != nil {
		setBool(&out.Fusion.Enabled, f.Enabled)
		if f.ConsensusThreshold != nil {
			out.Fusion.ConsensusThreshold = *f.ConsensusThreshold
		}
		if f.WeightAdjustmentFactor != nil {
			out.Fusion.WeightAdjustmentFactor = *f.WeightAdjustmentFactor
		}
	}
	if err := out.Validate(); err != nil {
		return o, err
	}
	return out, nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = time.Duration(*v)
	}
}
