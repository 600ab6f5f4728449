package tracking

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/agrilink/internal/geo"
)

// SimulatedConfig describes straight-line movement at a constant speed.
type SimulatedConfig struct {
	Start      geo.Point
	SpeedMPS   float64
	HeadingDeg float64
	Interval   time.Duration
}

// SimulatedSource is a LocationSource for agents without a GPS receiver.
// Each watch tick advances the position by SpeedMPS*Interval along HeadingDeg.
type SimulatedSource struct {
	cfg SimulatedConfig
	now func() time.Time

	mu      sync.Mutex
	current geo.Point
}

func NewSimulatedSource(cfg SimulatedConfig) *SimulatedSource {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &SimulatedSource{cfg: cfg, now: time.Now, current: cfg.Start}
}

func (s *SimulatedSource) CurrentPosition(ctx context.Context) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position(), nil
}

func (s *SimulatedSource) Watch(ctx context.Context, onPosition func(Position), _ func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				onPosition(s.Step())
			}
		}
	}()
	return cancel, nil
}

// Step advances one interval and returns the new position.
func (s *SimulatedSource) Step() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Destination(s.current, s.cfg.HeadingDeg, s.cfg.SpeedMPS*s.cfg.Interval.Seconds())
	return s.position()
}

func (s *SimulatedSource) position() Position {
	heading := s.cfg.HeadingDeg
	speed := s.cfg.SpeedMPS
	return Position{Point: s.current, Heading: &heading, Speed: &speed, Timestamp: s.now().UTC()}
}

// Destination returns the point reached by travelling meters from p on bearing headingDeg.
func Destination(p geo.Point, headingDeg, meters float64) geo.Point {
	delta := meters / geo.EarthRadiusMeters
	theta := headingDeg * math.Pi / 180
	lat1 := p.Lat * math.Pi / 180
	lng1 := p.Lng * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lng2 := lng1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1), math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	lng := math.Mod(lng2*180/math.Pi+540, 360) - 180
	return geo.Point{Lat: lat2 * 180 / math.Pi, Lng: lng}
}
