package relay

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed widgets/*.js widgets/*.css
var widgetFS embed.FS

const (
	imageWidgetURI = "ui://widget/kanban-board.html"
	avWidgetURI    = "ui://widget/kanban-av.html"

	widgetMIMEType = "text/html+skybridge"

	// originPlaceholder is replaced with the widget domain when the HTML is built.
	originPlaceholder = "__RELAY_ORIGIN__"
)

// widget is one MCP resource served to the LLM client's UI host.
type widget struct {
	URI         string
	Name        string
	Description string
	HTML        string
	Meta        map[string]any
}

// resourceContent is one entry of a resources/read result.
type resourceContent struct {
	URI      string         `json:"uri"`
	MIMEType string         `json:"mimeType"`
	Text     string         `json:"text"`
	Meta     map[string]any `json:"_meta,omitempty"`
}

// loadWidgets assembles the widget HTML from the embedded assets.
func loadWidgets(domain string) (map[string]*widget, error) {
	specs := []struct {
		uri, name, asset, description string
	}{
		{imageWidgetURI, "kanban-widget", "image", "Shows an interactive generation Image"},
		{avWidgetURI, "kanban-av-widget", "av", "Plays the relay avatar and follows widget-av-state"},
	}

	widgets := make(map[string]*widget, len(specs))
	for _, s := range specs {
		js, err := widgetFS.ReadFile("widgets/" + s.asset + ".js")
		if err != nil {
			return nil, fmt.Errorf("reading %s widget script: %w", s.asset, err)
		}
		css, err := widgetFS.ReadFile("widgets/" + s.asset + ".css")
		if err != nil {
			return nil, fmt.Errorf("reading %s widget style: %w", s.asset, err)
		}

		html := fmt.Sprintf("<div id=\"relay-root\"></div>\n<style>%s</style>\n<script type=\"module\">%s</script>",
			css, strings.ReplaceAll(string(js), originPlaceholder, domain))

		widgets[s.uri] = &widget{
			URI:         s.uri,
			Name:        s.name,
			Description: s.description,
			HTML:        html,
			Meta: map[string]any{
				"openai/widgetPrefersBorder": true,
				"openai/widgetDomain":        domain,
				"openai/widgetDescription":   s.description,
				"openai/widgetCSP": map[string]any{
					"connect_domains":  []string{domain},
					"resource_domains": []string{domain},
				},
			},
		}
	}
	return widgets, nil
}

func (w *widget) content() resourceContent {
	return resourceContent{URI: w.URI, MIMEType: widgetMIMEType, Text: w.HTML, Meta: w.Meta}
}

// sortedWidgets returns widgets ordered by URI for stable listings.
func sortedWidgets(m map[string]*widget) []*widget {
	out := make([]*widget, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}
