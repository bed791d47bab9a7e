package protocol

import "math"

// Agent state kinds.
const (
	KindVehicle      = "VEHICLE"
	KindSensor       = "SENSOR"
	KindEnvironment  = "ENVIRONMENT"
	KindTerrainPatch = "TERRAIN_PATCH"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// AgentState is a tagged variant: Kind selects exactly one of the payload
// pointers; the rest stay nil.
type AgentState struct {
	Kind string  `json:"kind"`
	Pos  Vec3    `json:"pos"`
	Yaw  float64 `json:"yaw"`
	Vel  Vec3    `json:"vel"`

	Vehicle     *VehicleState     `json:"vehicle,omitempty"`
	Sensor      *SensorState      `json:"sensor,omitempty"`
	Environment *EnvironmentState `json:"environment,omitempty"`
	Terrain     *TerrainPatch     `json:"terrain,omitempty"`
}

type VehicleState struct {
	SpeedMps   float64 `json:"speed_mps"`
	SteerAngle float64 `json:"steer_angle"`
	Throttle   float64 `json:"throttle"`
	Brake      float64 `json:"brake"`
}

type SensorState struct {
	RangeM   float64 `json:"range_m"`
	FovDeg   float64 `json:"fov_deg"`
	Reading  float64 `json:"reading"`
	TargetID string  `json:"target_id,omitempty"`
}

type EnvironmentState struct {
	Wind     Vec3    `json:"wind"`
	TempC    float64 `json:"temp_c"`
	Pressure float64 `json:"pressure"`
}

type TerrainPatch struct {
	CellX        int    `json:"cell_x"`
	CellZ        int    `json:"cell_z"`
	Resolution   int    `json:"resolution"`
	HeightDigest string `json:"height_digest"`
}

// Validate rejects states the codec must never see: an unknown kind, a
// payload/kind mismatch, or non-finite kinematics.
func (s AgentState) Validate() error {
	if !s.Pos.finite() || !s.Vel.finite() || math.IsNaN(s.Yaw) || math.IsInf(s.Yaw, 0) {
		return errCode(ErrEncode, "non-finite kinematics")
	}
	n := 0
	if s.Vehicle != nil {
		n++
	}
	if s.Sensor != nil {
		n++
	}
	if s.Environment != nil {
		n++
	}
	if s.Terrain != nil {
		n++
	}
	if n > 1 {
		return errCode(ErrEncode, "multiple variant payloads set")
	}
	switch s.Kind {
	case KindVehicle:
		if s.Sensor != nil || s.Environment != nil || s.Terrain != nil {
			return errCode(ErrEncode, "payload does not match kind VEHICLE")
		}
	case KindSensor:
		if s.Vehicle != nil || s.Environment != nil || s.Terrain != nil {
			return errCode(ErrEncode, "payload does not match kind SENSOR")
		}
	case KindEnvironment:
		if s.Vehicle != nil || s.Sensor != nil || s.Terrain != nil {
			return errCode(ErrEncode, "payload does not match kind ENVIRONMENT")
		}
	case KindTerrainPatch:
		if s.Vehicle != nil || s.Sensor != nil || s.Environment != nil {
			return errCode(ErrEncode, "payload does not match kind TERRAIN_PATCH")
		}
	default:
		return errCode(ErrEncode, "unknown state kind")
	}
	return nil
}
