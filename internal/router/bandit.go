// Package router selects a backend arm with a contextual Thompson-sampling
// bandit. Safety clamps (guardian, quotas, breakers) are applied by masking
// arms before sampling and by demotion after the proposal, never inside the
// learner itself.
package router

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alicelabs/orchestrator/internal/core"
)

// invPhi (1/golden ratio) scales the exploration draw for arms that have
// not yet accumulated a minimum of evidence.
const invPhi = 0.6180339887498949

const minPullsEstablished = 20

// Context carries the request features the bandit conditions on.
type Context struct {
	IntentConfidence float64
	TextLen          int
	HasQuestion      bool
	CacheHint        bool
	GuardianState    string
	LastToolError    bool
	RouteHint        string
}

// bucket discretizes the context. Updates for one (arm, bucket) pair are
// serialized under the bandit lock; buckets are independent.
func (c Context) bucket() string {
	b := "lo"
	if c.IntentConfidence >= 0.75 {
		b = "hi"
	} else if c.IntentConfidence >= 0.55 {
		b = "mid"
	}
	if c.HasQuestion {
		b += "|q"
	}
	if c.TextLen > 120 {
		b += "|long"
	}
	if c.LastToolError {
		b += "|terr"
	}
	return b + "|" + c.GuardianState
}

// armState is the per-(bucket, arm) Beta posterior.
type armState struct {
	Alpha      float64   `json:"alpha"`
	Beta       float64   `json:"beta"`
	Pulls      int64     `json:"pulls"`
	LastUpdate time.Time `json:"last_update"`
}

func freshArm() armState { return armState{Alpha: 1, Beta: 1} }

func (a armState) mean() float64 { return a.Alpha / (a.Alpha + a.Beta) }

// Bandit is the contextual router.
type Bandit struct {
	mu      sync.Mutex
	buckets map[string]*[3]armState
	quar    [3]bool
	canary  float64
	rng     *rand.Rand
	logger  *log.Logger
}

func New(canaryShare float64) *Bandit {
	return &Bandit{
		buckets: make(map[string]*[3]armState),
		canary:  canaryShare,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Choose samples the posterior for every unmasked arm and returns the best.
// available masks arms the breakers/quotas/guardian have ruled out; if
// everything is masked, MICRO is returned as the arm of last resort.
func (b *Bandit) Choose(ctx Context, available func(core.Route) bool) core.Route {
	b.mu.Lock()
	defer b.mu.Unlock()

	arms := b.armsFor(ctx.bucket())

	best := core.RouteMicro
	bestScore := -1.0
	for i, route := range core.Routes {
		if available != nil && !available(route) {
			continue
		}
		if b.quar[i] {
			continue
		}
		state := arms[i]

		score := sampleBeta(b.rng, state.Alpha, state.Beta)

		// Uncertain arms only receive their canary share of traffic; the
		// golden-ratio damping keeps their samples competitive but shy.
		if state.Pulls < minPullsEstablished && route != core.RouteMicro {
			if b.rng.Float64() > b.canary {
				score *= invPhi
			}
		}

		if score > bestScore {
			best, bestScore = route, score
		}
	}

	if bestScore < 0 {
		return core.RouteMicro
	}
	return best
}

// Update folds a bounded reward in [0,1] into the (arm, bucket) posterior.
func (b *Bandit) Update(ctx Context, arm core.Route, reward float64) {
	reward = math.Max(0, math.Min(1, reward))

	b.mu.Lock()
	defer b.mu.Unlock()

	arms := b.armsFor(ctx.bucket())
	state := &arms[int(arm)]
	state.Alpha += reward
	state.Beta += 1 - reward
	state.Pulls++
	state.LastUpdate = time.Now()
}

// Quarantine flips an arm in or out of quarantine, across all buckets.
func (b *Bandit) Quarantine(arm core.Route, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quar[int(arm)] = on
}

func (b *Bandit) armsFor(bucket string) *[3]armState {
	arms, ok := b.buckets[bucket]
	if !ok {
		arms = &[3]armState{freshArm(), freshArm(), freshArm()}
		b.buckets[bucket] = arms
	}
	return arms
}

// Reward composes the bounded scalar from success, latency against the
// route's SLO budget, and the energy estimate.
func Reward(success bool, latencyMs, budgetMs int64, energyWh float64) float64 {
	s := 0.0
	if success {
		s = 1.0
	}

	lat := 0.0
	if budgetMs > 0 {
		lat = 1.0 - float64(latencyMs)/float64(budgetMs)
		lat = math.Max(0, math.Min(1, lat))
	}

	// 1 Wh per turn is far beyond any sane on-device budget; scale against
	// a 0.01 Wh reference.
	energy := 1.0 - math.Min(1, energyWh/0.01)

	return 0.5*s + 0.3*lat + 0.2*energy
}

// ArmStats is the /api/status/bandit payload for one (bucket, arm).
type ArmStats struct {
	Bucket     string  `json:"bucket"`
	Arm        string  `json:"arm"`
	Mean       float64 `json:"mean"`
	Pulls      int64   `json:"pulls"`
	Quarantine bool    `json:"quarantine"`
}

// Stats returns all posteriors.
func (b *Bandit) Stats() []ArmStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ArmStats
	for bucket, arms := range b.buckets {
		for i, route := range core.Routes {
			out = append(out, ArmStats{
				Bucket:     bucket,
				Arm:        route.String(),
				Mean:       arms[i].mean(),
				Pulls:      arms[i].Pulls,
				Quarantine: b.quar[i],
			})
		}
	}
	return out
}

// sampleBeta draws from Beta(a, b) via two Gamma draws (Marsaglia-Tsang).
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(a) = Gamma(a+1) * U^(1/a)
		return sampleGamma(rng, shape+1) * math.Pow(rng.Float64(), 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
