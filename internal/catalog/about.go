package catalog

// AboutEntry is one action or reaction in the public about document.
type AboutEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AboutService is one service in the public about document.
type AboutService struct {
	Name      string       `json:"name"`
	Actions   []AboutEntry `json:"actions"`
	Reactions []AboutEntry `json:"reactions"`
}

// AboutServices assembles the service list for /about.json in a stable
// order. Slices are always non-nil so the JSON shape stays fixed.
func (c *Catalog) AboutServices() []AboutService {
	services := c.Services()
	out := make([]AboutService, 0, len(services))
	for _, svc := range services {
		entry := AboutService{
			Name:      svc.Name,
			Actions:   []AboutEntry{},
			Reactions: []AboutEntry{},
		}
		for _, action := range svc.Actions() {
			entry.Actions = append(entry.Actions, AboutEntry{
				Name:        action.Name,
				Description: action.Description,
			})
		}
		for _, reaction := range svc.Reactions() {
			entry.Reactions = append(entry.Reactions, AboutEntry{
				Name:        reaction.Name,
				Description: reaction.Description,
			})
		}
		out = append(out, entry)
	}
	return out
}
