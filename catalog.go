package luffybot

import (
	"fmt"
	"regexp"
	"sort"
)

var scriptKeyRE = regexp.MustCompile(`^[a-z0-9-]+$`)

// Catalog is the immutable script table, fixed for the process lifetime.
type Catalog struct {
	defs map[string]ScriptDef
}

// NewCatalog validates the defs (unique well-formed keys, non-empty command,
// positive timeout) and builds a catalog.
func NewCatalog(defs []ScriptDef) (*Catalog, error) {
	m := make(map[string]ScriptDef, len(defs))
	for _, d := range defs {
		if !scriptKeyRE.MatchString(d.Key) {
			return nil, fmt.Errorf("catalog: bad script key %q", d.Key)
		}
		if _, dup := m[d.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate script key %q", d.Key)
		}
		if len(d.Command) == 0 {
			return nil, fmt.Errorf("catalog: script %q has empty command", d.Key)
		}
		if d.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("catalog: script %q has non-positive timeout", d.Key)
		}
		m[d.Key] = d
	}
	return &Catalog{defs: m}, nil
}

// Get returns the definition for key and whether it exists.
func (c *Catalog) Get(key string) (ScriptDef, bool) {
	d, ok := c.defs[key]
	return d, ok
}

// List returns all definitions sorted by key.
func (c *Catalog) List() []ScriptDef {
	out := make([]ScriptDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AllKeys returns every key, sorted.
func (c *Catalog) AllKeys() []string {
	keys := make([]string, 0, len(c.defs))
	for k := range c.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PublicKeys returns the keys a public principal may request, sorted.
func (c *Catalog) PublicKeys() []string {
	var keys []string
	for k, d := range c.defs {
		if d.Public {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DefaultCatalog is the production script table. The command vectors are
// relative to the scripts root the daemon is configured with.
func DefaultCatalog() *Catalog {
	const py = "python3"
	c, err := NewCatalog([]ScriptDef{
		{Key: "vandalism-fr", Command: []string{py, "vandalism.py"}, TimeoutSeconds: 240, Public: true, Description: "Anti-vandalisme FR"},
		{Key: "vandalism-en", Command: []string{py, "envikidia/vandalism.py"}, TimeoutSeconds: 240, Public: true, Description: "Anti-vandalisme EN"},
		{Key: "welcome", Command: []string{py, "welcome.py"}, TimeoutSeconds: 540, Public: true, Description: "Messages de bienvenue"},
		{Key: "homonym", Command: []string{py, "homonym.py"}, TimeoutSeconds: 3300, Public: true, Description: "Nettoyage homonymies"},
		{Key: "categinex", Command: []string{py, "categinex.py"}, TimeoutSeconds: 7200, Public: true, Description: "Nettoyage categories"},
		{Key: "sandboxreset-en", Command: []string{py, "envikidia/sandboxreset.py"}, TimeoutSeconds: 150, Public: true, Description: "Reset bac a sable EN"},
		{Key: "weekly-talk-en", Command: []string{py, "envikidia/semaine.py"}, TimeoutSeconds: 7200, Public: true, Description: "Discussion hebdo EN"},
		{Key: "annual-pages-en", Command: []string{py, "envikidia/main.py"}, TimeoutSeconds: 7200, Description: "Creation pages annuelles EN"},
		{Key: "daily-report", Command: []string{py, "daily_report.py"}, TimeoutSeconds: 1200, Public: true, Description: "Rapport quotidien"},
		{Key: "weekly-report", Command: []string{py, "weekly_report.py"}, TimeoutSeconds: 1800, Public: true, Description: "Rapport hebdomadaire"},
		{Key: "monthly-report", Command: []string{py, "monthly_report.py"}, TimeoutSeconds: 2700, Description: "Rapport mensuel"},
		{Key: "doctor", Command: []string{py, "doctor.py"}, TimeoutSeconds: 900, Public: true, Critical: true, Description: "Diagnostic de sante"},
		{Key: "daily-bot-logs", Command: []string{py, "daily_bot_logs.py"}, TimeoutSeconds: 600, Critical: true, Description: "Archivage des logs du bot"},
		{Key: "config-backup", Command: []string{py, "config_backup.py"}, TimeoutSeconds: 600, Critical: true, Description: "Sauvegarde de configuration"},
	})
	if err != nil {
		panic(err)
	}
	return c
}
