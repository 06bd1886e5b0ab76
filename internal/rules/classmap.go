package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidClassMap is returned when a class map lacks roles its engine needs
var ErrInvalidClassMap = errors.New("invalid class map")

// Role is the meaning an engine gives to a detector class id
type Role string

const (
	RolePerson              Role = "person"
	RoleHelmet              Role = "helmet"
	RoleHook                Role = "hook"
	RoleOpenedHatch         Role = "opened_hatch"
	RoleClosedHatch         Role = "closed_hatch"
	RoleScaffold            Role = "scaffold"
	RoleMissingGuardrail    Role = "missing_guardrail"
	RoleScaffoldNoOutrigger Role = "scaffold_no_outrigger"
	RoleScaffoldOutrigger   Role = "scaffold_outrigger"
	RoleWorkerHelmet        Role = "worker_helmet"
	RoleWorkerNoHelmet      Role = "worker_no_helmet"
	RoleLadderOutrigger     Role = "ladder_outrigger"
	RoleLadderNoOutrigger   Role = "ladder_no_outrigger"
	RoleSaw                 Role = "saw"
	RoleExtinguisher        Role = "extinguisher"
	RoleFireNet             Role = "fire_net"
	RoleFire                Role = "fire"
	RoleSmoke               Role = "smoke"
	RoleVehicle             Role = "vehicle"
	RoleSignalerHat         Role = "signaler_hat"
	RoleCraneArm            Role = "crane_arm"
	RoleGrabCrane           Role = "grab_crane"
)

// ClassMap assigns roles to detector class ids
type ClassMap map[int]Role

// ClassMapError lists the roles a class map is missing
type ClassMapError struct {
	Domain  string
	Missing []Role
}

func (e *ClassMapError) Error() string {
	names := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		names[i] = string(r)
	}
	return fmt.Sprintf("%s: class map for %s is missing roles: %s", ErrInvalidClassMap, e.Domain, strings.Join(names, ", "))
}

func (e *ClassMapError) Unwrap() error {
	return ErrInvalidClassMap
}

// Validate checks that every required role is mapped from at least one class
func (m ClassMap) Validate(domain string, required []Role) error {
	have := make(map[Role]bool, len(m))
	for _, r := range m {
		have[r] = true
	}

	var missing []Role
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &ClassMapError{Domain: domain, Missing: missing}
	}
	return nil
}

// Role returns the role of a class id
func (m ClassMap) Role(classID int) (Role, bool) {
	r, ok := m[classID]
	return r, ok
}

// Merge returns a copy of m with overrides applied. An empty role removes
// the class.
func (m ClassMap) Merge(overrides map[int]Role) ClassMap {
	out := make(ClassMap, len(m)+len(overrides))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
