package marketdata

import (
	"time"

	"github.com/tradeforge/options-engine/pkg/types"
)

var easternTZ = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		// tzdata missing in the runtime image; a fixed offset keeps sessions
		// roughly correct outside DST transitions.
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// SessionAt classifies a wall-clock instant into a trading session.
func SessionAt(t time.Time) types.MarketSession {
	et := t.In(easternTZ)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return types.SessionClosed
	}

	mins := et.Hour()*60 + et.Minute()
	switch {
	case mins < 4*60:
		return types.SessionClosed
	case mins < 9*60+30:
		return types.SessionPreMarket
	case mins < 10*60:
		return types.SessionOpening
	case mins < 11*60+30:
		return types.SessionMorning
	case mins < 14*60:
		return types.SessionMidday
	case mins < 15*60+30:
		return types.SessionAfternoon
	case mins < 16*60:
		return types.SessionClosing
	case mins < 20*60:
		return types.SessionAfterHours
	default:
		return types.SessionClosed
	}
}

// SessionOpenForTrading reports whether the session accepts immediate
// execution of new signals.
func SessionOpenForTrading(s types.MarketSession) bool {
	switch s {
	case types.SessionOpening, types.SessionMorning, types.SessionMidday,
		types.SessionAfternoon, types.SessionClosing:
		return true
	}
	return false
}
