package frpbox

import (
	"os"
)

// AutoStartTasks returns the tasks named in the per-kind auto-start lists of
// prefs whose config file exists below configDir. A non-empty filter Kind or
// Name restricts the result to matching entries of the lists.
func AutoStartTasks(prefs Preferences, configDir string, filter Task) []Task {
	var out []Task
	for _, kind := range Kinds {
		if filter.Kind != "" && filter.Kind != kind {
			continue
		}
		for _, name := range prefs.Strings(autoStartKey(kind)) {
			if filter.Name != "" && filter.Name != name {
				continue
			}
			t := Task{Kind: kind, Name: name}
			if t.Validate() != nil {
				continue
			}
			if st, err := os.Stat(t.configPath(configDir)); err == nil && !st.IsDir() {
				out = append(out, t)
			}
		}
	}
	return out
}
