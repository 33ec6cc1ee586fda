package config

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
)

// SettingRow mirrors one config.system_settings record.
type SettingRow struct {
	Key      string `db:"key"`
	Value    string `db:"value"`
	DataType string `db:"data_type"` // "bool", "int", "float", "decimal", "string"
	Category string `db:"category"`  // "opportunity", "allocation", "position", "risk"
}

// Settings is the runtime-adjustable view of the configuration. Components
// read through Snapshot; the engine applies system_settings rows on startup
// and again on every config.updated event.
type Settings struct {
	mu  sync.RWMutex
	cfg Config
}

// NewSettings wraps a loaded configuration.
func NewSettings(cfg Config) *Settings {
	return &Settings{cfg: cfg}
}

// Snapshot returns a copy of the current configuration.
func (s *Settings) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyRows overlays system_settings rows onto the configuration.
// Unknown keys are skipped with an error so callers can log them.
func (s *Settings) ApplyRows(rows []SettingRow) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, row := range rows {
		if err := s.applyLocked(row); err != nil {
			errs = append(errs, fmt.Errorf("setting %q: %w", row.Key, err))
		}
	}
	return errs
}

func (s *Settings) applyLocked(row SettingRow) error {
	switch row.Key {
	case "min_uos_score":
		return setInt(row.Value, &s.cfg.Opportunity.MinUOSScore)
	case "auto_uos_threshold":
		return setInt(row.Value, &s.cfg.Opportunity.AutoUOSThreshold)
	case "high_quality_threshold":
		return setInt(row.Value, &s.cfg.Opportunity.HighQualityThreshold)
	case "min_spread_pct":
		return setDecimal(row.Value, &s.cfg.Opportunity.MinSpreadPct)
	case "min_net_apr_pct":
		return setDecimal(row.Value, &s.cfg.Opportunity.MinNetAPRPct)
	case "auto_execute":
		return setBool(row.Value, &s.cfg.Opportunity.AutoExecute)
	case "min_allocation_usd":
		return setDecimal(row.Value, &s.cfg.Allocation.MinAllocationUSD)
	case "max_allocation_usd":
		return setDecimal(row.Value, &s.cfg.Allocation.MaxAllocationUSD)
	case "max_concurrent_coins":
		return setInt(row.Value, &s.cfg.Allocation.MaxConcurrentCoins)
	case "score_weight_factor":
		return setFloat(row.Value, &s.cfg.Allocation.ScoreWeightFactor)
	case "use_kelly_criterion":
		return setBool(row.Value, &s.cfg.Allocation.UseKellyCriterion)
	case "kelly_fraction":
		return setFloat(row.Value, &s.cfg.Allocation.KellyFraction)
	case "min_kelly_edge":
		return setFloat(row.Value, &s.cfg.Allocation.MinKellyEdge)
	case "max_portfolio_correlation":
		return setFloat(row.Value, &s.cfg.Allocation.MaxPortfolioCorrelation)
	case "correlation_size_penalty":
		return setFloat(row.Value, &s.cfg.Allocation.CorrelationSizePenalty)
	case "min_spread_threshold":
		return setDecimal(row.Value, &s.cfg.Position.MinSpreadThreshold)
	case "stop_loss_pct":
		return setDecimal(row.Value, &s.cfg.Position.StopLossPct)
	case "max_hold_periods":
		return setInt(row.Value, &s.cfg.Position.MaxHoldPeriods)
	case "spread_drawdown_exit_pct":
		return setDecimal(row.Value, &s.cfg.Position.SpreadDrawdownExitPct)
	case "max_delta_threshold_pct":
		return setDecimal(row.Value, &s.cfg.Position.MaxDeltaThresholdPct)
	case "max_leg_drift_threshold":
		return setDecimal(row.Value, &s.cfg.Position.MaxLegDriftThreshold)
	case "max_position_size_usd":
		return setDecimal(row.Value, &s.cfg.Risk.MaxPositionSizeUSD)
	case "max_position_pct":
		return setDecimal(row.Value, &s.cfg.Risk.MaxPositionPct)
	case "max_gross_exposure_pct":
		return setDecimal(row.Value, &s.cfg.Risk.MaxGrossExposurePct)
	case "max_venue_exposure_pct":
		return setDecimal(row.Value, &s.cfg.Risk.MaxVenueExposurePct)
	case "max_asset_exposure_pct":
		return setDecimal(row.Value, &s.cfg.Risk.MaxAssetExposurePct)
	case "max_drawdown_pct":
		return setDecimal(row.Value, &s.cfg.Risk.MaxDrawdownPct)
	default:
		return fmt.Errorf("unknown setting key")
	}
}

func setInt(raw string, dst *int) error {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat(raw string, dst *float64) error {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setBool(raw string, dst *bool) error {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setDecimal(raw string, dst *decimal.Decimal) error {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
