package sim

import (
	"fmt"
	"sort"

	"github.com/dyluth/armlab/internal/config"
)

// KnownCameras are the camera slots a scene exposes.
var KnownCameras = []string{"front", "left_shoulder", "right_shoulder", "wrist", "overhead"}

// Render modes.
const (
	RenderOpenGL  = "opengl"
	RenderOpenGL3 = "opengl3"
)

// CameraConfig selects which images a camera renders.
type CameraConfig struct {
	RGB        bool
	PointCloud bool
	Mask       bool
	Depth      bool
	ImageSize  [2]int
	RenderMode string
}

// Enabled reports whether the camera renders anything.
func (c CameraConfig) Enabled() bool {
	return c.RGB || c.PointCloud || c.Mask || c.Depth
}

// ObservationConfig describes what the simulator places in each observation.
type ObservationConfig struct {
	Cameras map[string]CameraConfig

	JointForces           bool
	JointPositions        bool
	JointVelocities       bool
	TaskLowDimState       bool
	GripperTouchForces    bool
	GripperPose           bool
	GripperOpen           bool
	GripperMatrix         bool
	GripperJointPositions bool
}

// NewObservationConfig enables RGB and point clouds for the named cameras at
// the given resolution, disables every other camera, and turns on the
// proprioceptive state used by the agents.
func NewObservationConfig(cameras []string, resolution []int) (ObservationConfig, error) {
	if len(resolution) != 2 {
		return ObservationConfig{}, &config.Error{Field: "rlbench.camera_resolution", Value: fmt.Sprint(resolution), Reason: "must be [width, height]"}
	}

	known := make(map[string]bool, len(KnownCameras))
	for _, name := range KnownCameras {
		known[name] = true
	}

	used := CameraConfig{
		RGB:        true,
		PointCloud: true,
		ImageSize:  [2]int{resolution[0], resolution[1]},
		RenderMode: RenderOpenGL,
	}

	cfg := ObservationConfig{
		Cameras:               make(map[string]CameraConfig, len(KnownCameras)),
		JointPositions:        true,
		JointVelocities:       true,
		GripperPose:           true,
		GripperOpen:           true,
		GripperMatrix:         true,
		GripperJointPositions: true,
	}
	for _, name := range KnownCameras {
		cfg.Cameras[name] = CameraConfig{}
	}
	for _, name := range cameras {
		if !known[name] {
			return ObservationConfig{}, &config.Error{Field: "rlbench.cameras", Value: name, Reason: fmt.Sprintf("unknown camera (known: %v)", KnownCameras)}
		}
		cfg.Cameras[name] = used
	}

	return cfg, nil
}

// ActiveCameras returns the names of enabled cameras in sorted order.
func (o ObservationConfig) ActiveCameras() []string {
	var names []string
	for name, cam := range o.Cameras {
		if cam.Enabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CameraKeys lists the observation keys produced by enabled cameras,
// e.g. "front_rgb" and "front_pointcloud".
func (o ObservationConfig) CameraKeys() []string {
	var keys []string
	for _, name := range o.ActiveCameras() {
		cam := o.Cameras[name]
		if cam.RGB {
			keys = append(keys, name+"_rgb")
		}
		if cam.PointCloud {
			keys = append(keys, name+"_pointcloud")
		}
	}
	return keys
}

// Arm action sub-modes.
const (
	ArmPosePlanning = "end_effector_pose_via_planning"
	ArmTrajectory   = "trajectory"
)

// ActionMode pairs the arm sub-mode with the gripper sub-mode.
type ActionMode struct {
	Arm       string
	Waypoints int // trajectory mode only
	Gripper   string
}

// PosePlanning moves the end effector directly to a target pose.
func PosePlanning() ActionMode {
	return ActionMode{Arm: ArmPosePlanning, Gripper: "discrete"}
}

// Trajectory follows a path of the given number of waypoints.
func Trajectory(waypoints int) ActionMode {
	return ActionMode{Arm: ArmTrajectory, Waypoints: waypoints, Gripper: "discrete"}
}

// Dim returns the length of an agent action in this mode: a pose (3
// translation + 4 quaternion) per waypoint plus one gripper value.
func (a ActionMode) Dim() int {
	if a.Arm == ArmTrajectory {
		return a.Waypoints*7 + 1
	}
	return 8
}
