// Package landmarks turns pose-estimation output into fixed-size feature
// vectors and talks to the external extractor that produces that output.
package landmarks

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-signs/internal/window"
)

// ErrInvalidFrameData marks frames whose image or landmark payload cannot be
// used. The frame is rejected without touching session state.
var ErrInvalidFrameData = errors.New("invalid frame data")

const (
	GroupPose      = "pose"
	GroupLeftHand  = "left_hand"
	GroupRightHand = "right_hand"
)

// Point is one tracked 3D landmark in normalized image coordinates.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Set is the extractor output for one frame. A group that is missing from
// Groups was not detected.
type Set struct {
	Groups map[string][]Point `json:"groups"`
}

func (s Set) Group(name string) ([]Point, bool) {
	pts, ok := s.Groups[name]
	if !ok || len(pts) == 0 {
		return nil, false
	}
	return pts, true
}

// GroupSpec describes how a named group contributes to the feature vector.
// When Indices is set only those points of the raw group are used, in that
// order; otherwise the first Points points are used.
type GroupSpec struct {
	Name    string `yaml:"name" json:"name"`
	Points  int    `yaml:"points" json:"points"`
	Indices []int  `yaml:"indices,omitempty" json:"indices,omitempty"`
	Hand    bool   `yaml:"hand,omitempty" json:"hand,omitempty"`
}

// DefaultLayout is nose and shoulders from the body pose followed by both
// hands: 3 + 21 + 21 points, 135 values.
func DefaultLayout() []GroupSpec {
	return []GroupSpec{
		{Name: GroupPose, Points: 3, Indices: []int{11, 12, 0}},
		{Name: GroupLeftHand, Points: 21, Hand: true},
		{Name: GroupRightHand, Points: 21, Hand: true},
	}
}

// ValidateLayout checks group specs for consistency.
func ValidateLayout(specs []GroupSpec) error {
	if len(specs) == 0 {
		return errors.New("landmark layout must declare at least one group")
	}
	seen := make(map[string]bool, len(specs))
	hands := false
	for _, spec := range specs {
		if spec.Name == "" {
			return errors.New("landmark group name is required")
		}
		if seen[spec.Name] {
			return fmt.Errorf("landmark group %q declared twice", spec.Name)
		}
		seen[spec.Name] = true
		if spec.Points <= 0 {
			return fmt.Errorf("landmark group %q must have positive points", spec.Name)
		}
		if len(spec.Indices) > 0 && len(spec.Indices) != spec.Points {
			return fmt.Errorf("landmark group %q lists %d indices for %d points", spec.Name, len(spec.Indices), spec.Points)
		}
		for _, idx := range spec.Indices {
			if idx < 0 {
				return fmt.Errorf("landmark group %q has negative index", spec.Name)
			}
		}
		hands = hands || spec.Hand
	}
	if !hands {
		return errors.New("landmark layout must mark at least one hand group")
	}
	return nil
}

// Dim is the feature dimension produced by specs.
func Dim(specs []GroupSpec) int {
	total := 0
	for _, spec := range specs {
		total += spec.Points * 3
	}
	return total
}

// Vectorizer maps landmark sets onto the layout, zero-filling absent groups.
type Vectorizer struct {
	specs []GroupSpec
	dim   int
}

func NewVectorizer(specs []GroupSpec) (*Vectorizer, error) {
	if err := ValidateLayout(specs); err != nil {
		return nil, err
	}
	cp := append([]GroupSpec(nil), specs...)
	return &Vectorizer{specs: cp, dim: Dim(cp)}, nil
}

func (v *Vectorizer) Dim() int { return v.dim }

// HandsPresent reports whether any hand group was detected.
func (v *Vectorizer) HandsPresent(set Set) bool {
	for _, spec := range v.specs {
		if !spec.Hand {
			continue
		}
		if _, ok := set.Group(spec.Name); ok {
			return true
		}
	}
	return false
}

// Vectorize flattens set into a vector of length Dim.
func (v *Vectorizer) Vectorize(set Set) (window.Vector, error) {
	out := make(window.Vector, v.dim)
	offset := 0
	for _, spec := range v.specs {
		pts, ok := set.Group(spec.Name)
		if ok {
			if err := fillGroup(out[offset:offset+spec.Points*3], spec, pts); err != nil {
				return nil, err
			}
		}
		offset += spec.Points * 3
	}
	return out, nil
}

func fillGroup(dst []float32, spec GroupSpec, pts []Point) error {
	for i := 0; i < spec.Points; i++ {
		src := i
		if len(spec.Indices) > 0 {
			src = spec.Indices[i]
		}
		if src >= len(pts) {
			return fmt.Errorf("%w: group %q has %d points, need index %d", ErrInvalidFrameData, spec.Name, len(pts), src)
		}
		p := pts[src]
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return fmt.Errorf("%w: group %q point %d is not finite", ErrInvalidFrameData, spec.Name, src)
		}
		dst[i*3] = p.X
		dst[i*3+1] = p.Y
		dst[i*3+2] = p.Z
	}
	return nil
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// Extractor is the pose-estimation collaborator: one image in, zero or more
// landmark groups out.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Set, error)
}
