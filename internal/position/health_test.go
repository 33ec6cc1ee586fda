package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

func healthyInput() healthInput {
	return healthInput{
		Spread:           decimal.NewFromFloat(0.0004),
		EntrySpread:      decimal.NewFromFloat(0.0004),
		SizeUSD:          decimal.NewFromInt(5_000),
		DeltaExposurePct: decimal.NewFromInt(1),
		SecondsToFunding: 4 * 3600,
	}
}

func TestEvaluateHealthBoundaries(t *testing.T) {
	cfg := config.Default().Position

	tests := []struct {
		name   string
		mutate func(*healthInput)
		want   domain.HealthState
		reason domain.ExitReason
	}{
		{
			name:   "baseline healthy",
			mutate: func(in *healthInput) {},
			want:   domain.HealthHealthy,
		},
		{
			name:   "spread exactly zero is critical",
			mutate: func(in *healthInput) { in.Spread = decimal.Zero },
			want:   domain.HealthCritical,
			reason: domain.ExitSpreadFlipped,
		},
		{
			name:   "negative spread is critical",
			mutate: func(in *healthInput) { in.Spread = decimal.NewFromFloat(-0.0001) },
			want:   domain.HealthCritical,
			reason: domain.ExitSpreadFlipped,
		},
		{
			name: "spread just under minimum is degraded",
			mutate: func(in *healthInput) {
				in.Spread = decimal.NewFromFloat(0.00009)
				in.EntrySpread = decimal.NewFromFloat(0.0001)
			},
			want: domain.HealthDegraded,
		},
		{
			name: "spread exactly at minimum is healthy",
			mutate: func(in *healthInput) {
				in.Spread = decimal.NewFromFloat(0.0001)
				in.EntrySpread = decimal.NewFromFloat(0.0001)
			},
			want: domain.HealthHealthy,
		},
		{
			name: "spread under half of entry is degraded",
			mutate: func(in *healthInput) {
				in.Spread = decimal.NewFromFloat(0.00015)
				in.EntrySpread = decimal.NewFromFloat(0.0004)
			},
			want: domain.HealthDegraded,
		},
		{
			name:   "delta exactly at ten percent is degraded",
			mutate: func(in *healthInput) { in.DeltaExposurePct = decimal.NewFromInt(10) },
			want:   domain.HealthDegraded,
		},
		{
			name:   "delta exactly at twenty-five percent is critical",
			mutate: func(in *healthInput) { in.DeltaExposurePct = decimal.NewFromInt(25) },
			want:   domain.HealthCritical,
			reason: domain.ExitDeltaCritical,
		},
		{
			name:   "delta just above critical is critical",
			mutate: func(in *healthInput) { in.DeltaExposurePct = decimal.NewFromFloat(25.01) },
			want:   domain.HealthCritical,
			reason: domain.ExitDeltaCritical,
		},
		{
			name:   "loss exactly at stop-loss is critical",
			mutate: func(in *healthInput) { in.UnrealizedPnL = decimal.NewFromInt(-100) }, // 2% of 5000
			want:   domain.HealthCritical,
			reason: domain.ExitStopLoss,
		},
		{
			name:   "loss just under stop-loss is healthy",
			mutate: func(in *healthInput) { in.UnrealizedPnL = decimal.NewFromFloat(-99.99) },
			want:   domain.HealthHealthy,
		},
		{
			name: "liquidation distance under five percent is critical",
			mutate: func(in *healthInput) {
				in.HasLiqData = true
				in.LiqDistancePct = decimal.NewFromFloat(4.9)
			},
			want:   domain.HealthCritical,
			reason: domain.ExitLiquidationImminent,
		},
		{
			name: "liquidation distance under ten percent is degraded",
			mutate: func(in *healthInput) {
				in.HasLiqData = true
				in.LiqDistancePct = decimal.NewFromFloat(9.9)
			},
			want: domain.HealthDegraded,
		},
		{
			name: "liquidation distance at ten percent is healthy",
			mutate: func(in *healthInput) {
				in.HasLiqData = true
				in.LiqDistancePct = decimal.NewFromInt(10)
			},
			want: domain.HealthHealthy,
		},
		{
			name: "missing liquidation data never forces a state",
			mutate: func(in *healthInput) {
				in.HasLiqData = false
				in.LiqDistancePct = decimal.NewFromInt(1)
			},
			want: domain.HealthHealthy,
		},
		{
			name: "drawdown with a full protection window is critical",
			mutate: func(in *healthInput) {
				in.SpreadDrawdownPct = decimal.NewFromInt(50)
				in.SecondsToFunding = 1800
			},
			want:   domain.HealthCritical,
			reason: domain.ExitSpreadDeterioration,
		},
		{
			name: "drawdown close to settlement rides it out",
			mutate: func(in *healthInput) {
				in.SpreadDrawdownPct = decimal.NewFromInt(50)
				in.SecondsToFunding = 1799
			},
			want: domain.HealthHealthy,
		},
		{
			name:   "max hold periods reached is degraded",
			mutate: func(in *healthInput) { in.FundingPeriods = 21 },
			want:   domain.HealthDegraded,
		},
		{
			name: "spread flip outranks every degraded rule",
			mutate: func(in *healthInput) {
				in.Spread = decimal.NewFromFloat(-0.0002)
				in.DeltaExposurePct = decimal.NewFromInt(12)
				in.FundingPeriods = 30
			},
			want:   domain.HealthCritical,
			reason: domain.ExitSpreadFlipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := healthyInput()
			tt.mutate(&in)

			state, reason, detail := evaluateHealth(cfg, in)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.reason, reason)
			if state != domain.HealthHealthy {
				assert.NotEmpty(t, detail)
			}
		})
	}
}
