package opportunity

import (
	"fmt"
	"strings"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// classify runs the Bot-Action ladder. Rules are evaluated in priority
// order; the first failing rule fixes the class, but every triggered
// rule is attached as a human-readable detail.
func (e *Engine) classify(cfg config.Config, opp domain.Opportunity, longCfg, shortCfg config.VenueConfig) (domain.BotAction, []string) {
	var details []string
	verdict := domain.ActionAutoTrade

	fail := func(class domain.BotAction, detail string) {
		details = append(details, detail)
		// First failure wins; later rules still report details.
		if verdict == domain.ActionAutoTrade {
			verdict = class
		}
	}

	// 1. System operational.
	if !e.status.Running() {
		fail(domain.ActionBlocked, "system is not running")
	}
	if e.status.BreakerActive() {
		fail(domain.ActionBlocked, "circuit breaker is active; reset required before trading")
	}
	if mode := e.status.Mode(); mode == domain.ModeDiscovery || mode == domain.ModeEmergency {
		fail(domain.ActionBlocked, fmt.Sprintf("risk mode %s does not permit new positions", mode))
	}

	// 2. Venue credentials and symbol eligibility.
	if !longCfg.HasCredentials {
		fail(domain.ActionBlocked, fmt.Sprintf("no credentials for long venue %s", opp.LongVenue))
	}
	if !shortCfg.HasCredentials {
		fail(domain.ActionBlocked, fmt.Sprintf("no credentials for short venue %s", opp.ShortVenue))
	}
	if isBlacklisted(cfg.Opportunity.BlacklistedSymbols, opp.Symbol) {
		fail(domain.ActionBlocked, fmt.Sprintf("symbol %s is blacklisted", opp.Symbol))
	}

	// 3. Economics thresholds.
	if opp.Scores.Total < cfg.Opportunity.MinUOSScore {
		fail(domain.ActionBlocked, fmt.Sprintf("UOS %d below minimum %d",
			opp.Scores.Total, cfg.Opportunity.MinUOSScore))
	}
	if opp.Spread.LessThan(cfg.Opportunity.MinSpreadPct) {
		fail(domain.ActionBlocked, fmt.Sprintf("spread %s below minimum %s",
			opp.Spread, cfg.Opportunity.MinSpreadPct))
	}
	if opp.NetAPR.LessThan(cfg.Opportunity.MinNetAPRPct) {
		fail(domain.ActionBlocked, fmt.Sprintf("net APR %s%% below minimum %s%%",
			opp.NetAPR.Round(2), cfg.Opportunity.MinNetAPRPct))
	}

	// 4. Auto-execution eligibility.
	if !cfg.Opportunity.AutoExecute {
		fail(domain.ActionManualOnly, "auto-execute is disabled; queue for manual approval")
	} else if opp.Scores.Total < cfg.Opportunity.AutoUOSThreshold {
		fail(domain.ActionManualOnly, fmt.Sprintf("UOS %d below auto threshold %d; queue for manual approval",
			opp.Scores.Total, cfg.Opportunity.AutoUOSThreshold))
	}

	// 5. Portfolio capacity.
	if e.portfolio.ActiveSymbolCount() >= cfg.Allocation.MaxConcurrentCoins {
		fail(domain.ActionWaiting, fmt.Sprintf("active coin count %d at cap %d; waiting for capacity",
			e.portfolio.ActiveSymbolCount(), cfg.Allocation.MaxConcurrentCoins))
	}
	if e.portfolio.IsSymbolActive(opp.Symbol) {
		fail(domain.ActionWaiting, fmt.Sprintf("symbol %s already has an active position", opp.Symbol))
	}
	if e.portfolio.AvailableCapital().LessThan(cfg.Allocation.MinAllocationUSD) {
		fail(domain.ActionWaiting, fmt.Sprintf("available capital %s below minimum allocation %s",
			e.portfolio.AvailableCapital(), cfg.Allocation.MinAllocationUSD))
	}

	return verdict, details
}

func isBlacklisted(blacklist []string, symbol string) bool {
	for _, b := range blacklist {
		if strings.EqualFold(b, symbol) {
			return true
		}
	}
	return false
}
