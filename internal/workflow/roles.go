package workflow

import "sort"

// Role describes one specialist agent: its identity, analytical focus, and
// the roles whose output it depends on.
type Role struct {
	ID        string
	Name      string
	Focus     string
	DependsOn []string
}

// Catalog is the registry of available specialist roles.
type Catalog struct {
	roles map[string]Role
	order []string
}

// NewCatalog builds a catalog from the given roles, preserving order.
func NewCatalog(roles ...Role) *Catalog {
	c := &Catalog{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		if _, dup := c.roles[r.ID]; dup {
			continue
		}
		c.roles[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c
}

// DefaultCatalog returns the built-in specialist roster for design
// commissions.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Role{
			ID:    "V1_space_planner_1-1",
			Name:  "Space Planner",
			Focus: "spatial program, circulation, zoning, and layout options",
		},
		Role{
			ID:    "V2_style_director_2-1",
			Name:  "Style Director",
			Focus: "aesthetic direction, mood, palette, and reference language",
		},
		Role{
			ID:        "V3_budget_controller_3-1",
			Name:      "Budget Controller",
			Focus:     "cost breakdown, allocation trade-offs, and contingency",
			DependsOn: []string{"V1_space_planner_1-1"},
		},
		Role{
			ID:        "V4_designer_4-1",
			Name:      "Concept Designer",
			Focus:     "integrated design concept combining program and style",
			DependsOn: []string{"V1_space_planner_1-1", "V2_style_director_2-1"},
		},
		Role{
			ID:        "V5_lighting_designer_5-1",
			Name:      "Lighting Designer",
			Focus:     "natural and artificial lighting strategy per zone",
			DependsOn: []string{"V4_designer_4-1"},
		},
		Role{
			ID:        "V6_materials_specialist_6-1",
			Name:      "Materials Specialist",
			Focus:     "finishes, materials, durability, and sourcing",
			DependsOn: []string{"V2_style_director_2-1", "V3_budget_controller_3-1"},
		},
		Role{
			ID:        "V7_compliance_reviewer_7-1",
			Name:      "Compliance Reviewer",
			Focus:     "code compliance, accessibility, and safety constraints",
			DependsOn: []string{"V1_space_planner_1-1"},
		},
	)
}

// Get returns the role by id.
func (c *Catalog) Get(id string) (Role, bool) {
	r, ok := c.roles[id]
	return r, ok
}

// IDs returns all role ids in registration order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Dependencies returns the dependency relation restricted to the given
// agent set.
func (c *Catalog) Dependencies(agents []string) map[string][]string {
	selected := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		selected[id] = struct{}{}
	}
	deps := make(map[string][]string, len(agents))
	for _, id := range agents {
		role, ok := c.roles[id]
		if !ok {
			deps[id] = nil
			continue
		}
		var inSet []string
		for _, dep := range role.DependsOn {
			if _, ok := selected[dep]; ok {
				inSet = append(inSet, dep)
			}
		}
		sort.Strings(inSet)
		deps[id] = inSet
	}
	return deps
}
