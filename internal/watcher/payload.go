package watcher

import "time"

// DashboardProject is one tracked (source, project) row in the `update`
// event payload.
type DashboardProject struct {
	Name           string          `json:"name"`
	ProjectPath    string          `json:"projectPath"`
	CurrentTokens  int             `json:"currentTokens"`
	MaxTokens      int             `json:"maxTokens"`
	ContextUsage   float64         `json:"contextUsage"`
	Pct            float64         `json:"pct"`
	LastUpdated    string          `json:"lastUpdated"`
	IsRealData     bool            `json:"isRealData"`
	Source         DashboardSource `json:"source"`
	TranscriptPath string          `json:"transcriptPath"`
}

// DashboardSource is the {name, color} pair embedded per project and
// listed once per discovered source.
type DashboardSource struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// DashboardUpdate is the fixed `update` event shape.
type DashboardUpdate struct {
	Connected    bool               `json:"connected"`
	ProjectCount int                `json:"projectCount"`
	Projects     []DashboardProject `json:"projects"`
	Sources      []DashboardSource  `json:"sources"`
	TotalTokens  int                `json:"totalTokens"`
	Timestamp    string             `json:"timestamp"`
}

// Payload converts the internal StatusSnapshot into the dashboard's
// fixed `update` JSON shape.
func (s StatusSnapshot) Payload() DashboardUpdate {
	projects := make([]DashboardProject, 0, len(s.Bindings))
	total := 0
	for _, b := range s.Bindings {
		usage := 0.0
		if b.MaxTokens > 0 {
			usage = float64(b.CurrentTokens) / float64(b.MaxTokens)
		}
		projects = append(projects, DashboardProject{
			Name:           b.DisplayName(),
			ProjectPath:    b.Project,
			CurrentTokens:  b.CurrentTokens,
			MaxTokens:      b.MaxTokens,
			ContextUsage:   usage,
			Pct:            usage * 100,
			LastUpdated:    b.UpdatedAt.Format(time.RFC3339),
			IsRealData:     b.IsRealTokens,
			Source:         DashboardSource{Name: b.Source, Color: b.Color},
			TranscriptPath: b.TranscriptPath,
		})
		total += b.CurrentTokens
	}

	sources := make([]DashboardSource, 0, len(s.Sources))
	for _, src := range s.Sources {
		sources = append(sources, DashboardSource{Name: src.Name, Color: src.Color})
	}

	return DashboardUpdate{
		Connected:    true,
		ProjectCount: len(projects),
		Projects:     projects,
		Sources:      sources,
		TotalTokens:  total,
		Timestamp:    time.Now().Format(time.RFC3339),
	}
}
