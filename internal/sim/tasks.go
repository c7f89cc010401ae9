package sim

import (
	"sort"

	"github.com/dyluth/armlab/internal/config"
)

// Task is a manipulation task definition.
type Task struct {
	Name string
	// Grasp tasks succeed only with the gripper closed at the target.
	Grasp bool
	// Tolerance is the success distance to the target.
	Tolerance float64
}

var tasks = map[string]Task{
	"pick_cube":             {Name: "pick_cube", Grasp: true, Tolerance: 0.05},
	"pick_up_cup":           {Name: "pick_up_cup", Grasp: true, Tolerance: 0.05},
	"take_lid_off_saucepan": {Name: "take_lid_off_saucepan", Grasp: true, Tolerance: 0.05},
	"reach_target":          {Name: "reach_target", Tolerance: 0.05},
	"press_switch":          {Name: "press_switch", Tolerance: 0.03},
	"open_drawer":           {Name: "open_drawer", Grasp: true, Tolerance: 0.04},
	"phone_on_base":         {Name: "phone_on_base", Grasp: true, Tolerance: 0.04},
	"put_rubbish_in_bin":    {Name: "put_rubbish_in_bin", Grasp: true, Tolerance: 0.05},
}

// Tasks returns the names of all available task definitions.
func Tasks() []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupTask returns the task definition or a configuration error naming
// rlbench.task when it is not recognised.
func LookupTask(name string) (Task, error) {
	t, ok := tasks[name]
	if !ok {
		return Task{}, &config.Error{Field: "rlbench.task", Value: name, Reason: "task not recognised"}
	}
	return t, nil
}

// ValidateTask checks that name is an available task.
func ValidateTask(name string) error {
	_, err := LookupTask(name)
	return err
}
