package analyzer

import (
	"math"
	"strings"

	"github.com/cardwatch/cardwatch/internal/models"
)

type LocationRisk string

const (
	RiskNone                 LocationRisk = "NONE"
	RiskOutOfHomeState       LocationRisk = "OUT_OF_HOME_STATE"
	RiskDistantFromLastKnown LocationRisk = "DISTANT_FROM_LAST_KNOWN"
	RiskImpossibleTravel     LocationRisk = "IMPOSSIBLE_TRAVEL"
)

const (
	earthRadiusKM = 6371.0

	// Beyond this distance from the user's last known position a
	// transaction is flagged even when the implied speed is plausible.
	distantKM = 500.0
)

// LocationRisk classifies a transaction's location against the user's home
// state and last known position. Categories escalate: impossible travel
// dominates distance, distance dominates the home-state check. Missing
// coordinates fall back to merchant state, and coordinates are only
// consulted when the user has consented to location tracking.
func (a *Analyzer) LocationRisk(user *models.User, txn *models.Transaction) LocationRisk {
	if user.LocationConsent && user.LastKnownLat != nil && user.LastKnownLon != nil &&
		user.LastKnownAt != nil && txn.Lat != nil && txn.Lon != nil &&
		ValidCoordinates(*txn.Lat, *txn.Lon) && ValidCoordinates(*user.LastKnownLat, *user.LastKnownLon) {

		dist := HaversineKM(*user.LastKnownLat, *user.LastKnownLon, *txn.Lat, *txn.Lon)
		elapsed := txn.OccurredAt.Sub(*user.LastKnownAt).Hours()

		if elapsed > 0 && dist/elapsed > a.maxKMH {
			return RiskImpossibleTravel
		}
		if elapsed <= 0 && dist > distantKM {
			// Position newer than the transaction; a big gap is still
			// impossible travel for any plausible clock skew.
			return RiskImpossibleTravel
		}
		if dist > distantKM {
			return RiskDistantFromLastKnown
		}
	}

	if user.HomeState != "" && txn.MerchantState != "" &&
		!strings.EqualFold(user.HomeState, txn.MerchantState) {
		return RiskOutOfHomeState
	}

	return RiskNone
}

// HaversineKM is the great-circle distance between two points in km.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlon1 := lon1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	rlon2 := lon2 * math.Pi / 180

	dlat := rlat2 - rlat1
	dlon := rlon2 - rlon1

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)

	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
