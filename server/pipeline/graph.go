package pipeline

import "fmt"

// Instances value meaning one instance per channel
const PerChannel = -1

// Role is a node of the module graph
type Role struct {
	Name      string
	Instances int           // PerChannel, or a fixed count. Channel c is served by instance c % count.
	New       func() Module // Creates one instance
	Next      []string      // Downstream roles
}

// Graph is a declarative description of a pipeline. Roles must be listed in dependency order,
// with every edge pointing forward.
type Graph struct {
	Roles []Role
}

func (g *Graph) index(name string) int {
	for i := range g.Roles {
		if g.Roles[i].Name == name {
			return i
		}
	}
	return -1
}

// instanceCount resolves PerChannel
func (r *Role) instanceCount(channelCount int) int {
	if r.Instances == PerChannel {
		return channelCount
	}
	return r.Instances
}

// inputCount returns the number of roles that send to 'name'
func (g *Graph) inputCount(name string) int {
	count := 0
	for _, r := range g.Roles {
		for _, n := range r.Next {
			if n == name {
				count++
			}
		}
	}
	return count
}

// hasInputs returns true if any role sends to 'name'
func (g *Graph) hasInputs(name string) bool {
	return g.inputCount(name) != 0
}

func (g *Graph) Validate() error {
	if len(g.Roles) == 0 {
		return fmt.Errorf("Pipeline graph is empty")
	}
	haveSource := false
	for i, r := range g.Roles {
		if r.Name == "" {
			return fmt.Errorf("Role %v has no name", i)
		}
		if g.index(r.Name) != i {
			return fmt.Errorf("Role '%v' is listed twice", r.Name)
		}
		if r.Instances != PerChannel && r.Instances < 1 {
			return fmt.Errorf("Role '%v' has invalid instance count %v", r.Name, r.Instances)
		}
		if r.New == nil {
			return fmt.Errorf("Role '%v' has no constructor", r.Name)
		}
		for k, n := range r.Next {
			for _, prev := range r.Next[:k] {
				if prev == n {
					return fmt.Errorf("Role '%v' sends to '%v' twice", r.Name, n)
				}
			}
			j := g.index(n)
			if j == -1 {
				return fmt.Errorf("Role '%v' sends to unknown role '%v'", r.Name, n)
			}
			if j <= i {
				return fmt.Errorf("Role '%v' sends backwards to '%v'", r.Name, n)
			}
		}
		if !g.hasInputs(r.Name) {
			haveSource = true
		}
	}
	if !haveSource {
		return fmt.Errorf("Pipeline graph has no source")
	}
	return nil
}
