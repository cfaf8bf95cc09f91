// internal/rating/glicko2.go
package rating

import (
	"math"

	"github.com/jason-s-yu/typerace/internal/models"
)

const (
	// GlickoScale converts between the display scale and Glicko-2's mu/phi.
	GlickoScale       = 173.7178
	DefaultValue      = 1500.0
	DefaultDeviation  = 350.0
	DefaultVolatility = 0.06
	// Tau constrains volatility change between rating periods.
	Tau     = 0.5
	Epsilon = 0.000001
)

// Rating is a Glicko-2 rating on the familiar 1500-based scale.
type Rating struct {
	Value      float64
	Deviation  float64
	Volatility float64
}

func Default() Rating {
	return Rating{Value: DefaultValue, Deviation: DefaultDeviation, Volatility: DefaultVolatility}
}

// FromUser reads a user's stored rating, substituting defaults for unset fields.
func FromUser(u models.User) Rating {
	r := Default()
	if u.Rating > 0 {
		r.Value = float64(u.Rating)
	}
	if u.RatingDev > 0 {
		r.Deviation = u.RatingDev
	}
	if u.Volatility > 0 {
		r.Volatility = u.Volatility
	}
	return r
}

// Apply writes r back onto u.
func (r Rating) Apply(u *models.User) {
	u.Rating = int(math.Round(r.Value))
	u.RatingDev = r.Deviation
	u.Volatility = r.Volatility
}

func (r Rating) mu() float64  { return (r.Value - DefaultValue) / GlickoScale }
func (r Rating) phi() float64 { return r.Deviation / GlickoScale }

// UpdatePlayer runs one Glicko-2 rating period for player against the given opponents.
// scores[i] is 1 for a win against opponents[i], 0.5 for a draw and 0 for a loss.
// With no opponents only the deviation grows.
func UpdatePlayer(player Rating, opponents []Rating, scores []float64) Rating {
	mu, phi, sigma := player.mu(), player.phi(), player.Volatility
	if len(opponents) == 0 || len(opponents) != len(scores) {
		grown := math.Sqrt(phi*phi + sigma*sigma)
		return Rating{Value: player.Value, Deviation: grown * GlickoScale, Volatility: sigma}
	}

	var invV, sum float64
	for i, o := range opponents {
		gj := g(o.phi())
		ej := expected(mu, o.mu(), o.phi())
		invV += gj * gj * ej * (1 - ej)
		sum += gj * (scores[i] - ej)
	}
	v := 1 / invV
	delta := v * sum

	newSigma := volatility(phi, sigma, v, delta)
	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)
	phiPrime := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muPrime := mu + phiPrime*phiPrime*sum

	return Rating{
		Value:      muPrime*GlickoScale + DefaultValue,
		Deviation:  phiPrime * GlickoScale,
		Volatility: newSigma,
	}
}

// volatility solves for the new sigma with the Illinois variant of regula falsi.
func volatility(phi, sigma, v, delta float64) float64 {
	a := math.Log(sigma * sigma)
	fn := func(x float64) float64 { return f(x, phi, v, delta, a) }

	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for fn(a-k*Tau) < 0 {
			k++
		}
		B = a - k*Tau
	}

	fA, fB := fn(A), fn(B)
	for i := 0; i < 100 && math.Abs(B-A) > Epsilon; i++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := fn(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// g is 1/sqrt(1+3phi^2/pi^2).
func g(phi float64) float64 {
	return 1.0 / math.Sqrt(1.0+3.0*phi*phi/(math.Pi*math.Pi))
}

// expected is E(mu, mu_j, phi_j) = 1/(1+exp(-g(phi_j)(mu-mu_j))).
func expected(mu, muJ, phiJ float64) float64 {
	return 1.0 / (1.0 + math.Exp(-g(phiJ)*(mu-muJ)))
}

func f(x, phi, v, delta, a float64) float64 {
	ex := math.Exp(x)
	num := ex * (delta*delta - phi*phi - v - ex)
	den := 2.0 * (phi*phi + v + ex) * (phi*phi + v + ex)
	return num/den - (x-a)/(Tau*Tau)
}
