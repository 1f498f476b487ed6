// Package overlay defines the pluggable processor capability and the
// registry that owns overlay lifecycle. Overlays never observe each other
// directly: they receive cascade events from the pipeline and communicate
// through derivatives and the event bus.
package overlay

import (
	"context"

	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Kind tags what family of processing an overlay belongs to.
type Kind string

const (
	KindSecurity   Kind = "security"
	KindML         Kind = "ml"
	KindGovernance Kind = "governance"
	KindLineage    Kind = "lineage"
	KindCustom     Kind = "custom"
)

// State is an overlay's position in its lifecycle.
type State string

const (
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateStopped    State = "stopped"
)

// Derivative is an insight an overlay emits in response to a cascade event.
// The pipeline turns each into a new event one hop deeper.
type Derivative struct {
	InsightType string
	InsightData map[string]any
	// Weight scales the parent's impact score multiplicatively. Zero means
	// "inherit unchanged" (weight 1).
	Weight float64
}

// Decision is the optional verdict of an overlay's Process capability.
type Decision struct {
	Allow  bool
	Reason string
}

// Overlay is the capability set every registered unit implements.
// OnInsight may return no derivatives; returning an error isolates the
// overlay for that event without stopping its siblings.
type Overlay interface {
	OverlayID() string
	Priority() int // lower runs earlier
	Kind() Kind
	OnInsight(ctx context.Context, event *models.CascadeEvent) ([]Derivative, error)
}

// Processor is the optional event-gate capability some overlays add on top
// of OnInsight.
type Processor interface {
	Process(ctx context.Context, event *models.CascadeEvent) (Decision, error)
}
