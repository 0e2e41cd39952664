package domain

type OperationalState string

const (
	StateWorkshop          OperationalState = "WORKSHOP"
	StateAtBase            OperationalState = "AT_BASE"
	StateEmergencyDispatch OperationalState = "EMERGENCY_DISPATCH"
	StateOnScene           OperationalState = "ON_SCENE"
	StateReturning         OperationalState = "RETURNING"
)

// StateInput is what the classifier knows about one time step.
type StateInput struct {
	Workshop *Geofence
	Base     *Geofence

	BeaconKnown  bool
	BeaconActive bool

	HasSpeed bool
	SpeedKmh float64
}

type StateRule struct {
	State     OperationalState
	Evaluator func(in *StateInput, movingKmh float64) bool
}

// DefaultStateRules are evaluated in order; the first match wins and
// StateReturning is the fallback when nothing matches.
var DefaultStateRules = []StateRule{
	{
		State: StateWorkshop,
		Evaluator: func(in *StateInput, _ float64) bool {
			return in.Workshop != nil
		},
	},
	{
		State: StateAtBase,
		Evaluator: func(in *StateInput, _ float64) bool {
			return in.Base != nil
		},
	},
	{
		State: StateEmergencyDispatch,
		Evaluator: func(in *StateInput, movingKmh float64) bool {
			if !in.BeaconKnown || !in.BeaconActive {
				return false
			}
			// Without a speed reading an active beacon counts as en route.
			return !in.HasSpeed || in.SpeedKmh > movingKmh
		},
	},
	{
		State: StateOnScene,
		Evaluator: func(in *StateInput, movingKmh float64) bool {
			return in.BeaconKnown && in.BeaconActive && in.HasSpeed && in.SpeedKmh <= movingKmh
		},
	},
}

// Resolve applies rules to in and returns the state plus the geofence that
// produced it, if any.
func Resolve(rules []StateRule, in *StateInput, movingKmh float64) (OperationalState, *Geofence) {
	for _, rule := range rules {
		if !rule.Evaluator(in, movingKmh) {
			continue
		}
		switch rule.State {
		case StateWorkshop:
			return rule.State, in.Workshop
		case StateAtBase:
			return rule.State, in.Base
		default:
			return rule.State, nil
		}
	}
	return StateReturning, nil
}
