package stops

import "math"

// Projection maps WGS84 coordinates to UTM metres of one fixed zone
// (EPSG:326xx, northern hemisphere numbering).
type Projection struct {
	Zone int
}

// DefaultProjection is EPSG:32632, UTM zone 32N.
var DefaultProjection = Projection{Zone: 32}

const (
	wgs84A   = 6378137.0
	wgs84F   = 1 / 298.257223563
	utmK0    = 0.9996
	degToRad = math.Pi / 180
)

// Project returns easting and northing in metres.
func (p Projection) Project(lon, lat float64) (x, y float64) {
	e2 := wgs84F * (2 - wgs84F)
	ep2 := e2 / (1 - e2)
	e4 := e2 * e2
	e6 := e4 * e2

	lon0 := float64((p.Zone-1)*6-180+3) * degToRad
	phi := lat * degToRad
	lam := lon * degToRad

	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	n := wgs84A / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := math.Tan(phi) * math.Tan(phi)
	c := ep2 * cosPhi * cosPhi
	a := cosPhi * (lam - lon0)

	m := wgs84A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))

	x = utmK0*n*(a+(1-t+c)*a*a*a/6+(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + 500000
	y = utmK0 * (m + n*math.Tan(phi)*(a*a/2+(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	if lat < 0 {
		y += 10000000
	}
	return x, y
}

type planarPoint struct {
	x, y float64
}

// polyline is a projected path with cumulative segment lengths.
type polyline struct {
	points []planarPoint
	cum    []float64
}

func (p Projection) polyline(coords [][2]float64) polyline {
	pl := polyline{
		points: make([]planarPoint, len(coords)),
		cum:    make([]float64, len(coords)),
	}
	for i, c := range coords {
		x, y := p.Project(c[0], c[1])
		pl.points[i] = planarPoint{x, y}
		if i > 0 {
			pl.cum[i] = pl.cum[i-1] + dist(pl.points[i-1], pl.points[i])
		}
	}
	return pl
}

func (pl polyline) length() float64 {
	if len(pl.cum) == 0 {
		return 0
	}
	return pl.cum[len(pl.cum)-1]
}

// locate returns the distance along the line of the point's closest position on it
// and the distance of the point from the line.
func (pl polyline) locate(p planarPoint) (along, away float64) {
	if len(pl.points) == 0 {
		return 0, math.Inf(1)
	}
	if len(pl.points) == 1 {
		return 0, dist(p, pl.points[0])
	}

	away = math.Inf(1)
	for i := 1; i < len(pl.points); i++ {
		a, b := pl.points[i-1], pl.points[i]
		dx, dy := b.x-a.x, b.y-a.y
		segLen2 := dx*dx + dy*dy

		t := 0.0
		if segLen2 > 0 {
			t = ((p.x-a.x)*dx + (p.y-a.y)*dy) / segLen2
			t = math.Max(0, math.Min(1, t))
		}
		closest := planarPoint{a.x + t*dx, a.y + t*dy}
		if d := dist(p, closest); d < away {
			away = d
			along = pl.cum[i-1] + t*math.Sqrt(segLen2)
		}
	}
	return along, away
}

func dist(a, b planarPoint) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}
