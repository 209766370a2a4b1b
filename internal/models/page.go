package models

// Page is a routable output whose template runs a structured query.
type Page struct {
	Path            string         `json:"path" yaml:"path"`
	Component       string         `json:"component" yaml:"component"`
	MatchPath       string         `json:"matchPath,omitempty" yaml:"match_path"`
	Context         map[string]any `json:"context,omitempty" yaml:"context"`
	PluginCreatorID string         `json:"pluginCreatorId,omitempty" yaml:"-"`
}

// StaticQuery is a query embedded in a non-page component.
type StaticQuery struct {
	ID        string `json:"id" yaml:"id"`
	Component string `json:"component" yaml:"component"`
	Query     string `json:"query" yaml:"query"`
	Hash      string `json:"hash,omitempty" yaml:"hash"`
}
