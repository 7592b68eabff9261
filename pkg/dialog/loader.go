package dialog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadScript reads a YAML script. Lines missing from the file keep their
// built-in text; slots and the yes/no vocabulary replace the defaults when present.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dialog script: %w", err)
	}
	return ParseScript(data)
}

func ParseScript(data []byte) (*Script, error) {
	var override Script
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse dialog script: %w", err)
	}
	script := DefaultScript()
	for key, langs := range override.Lines {
		if script.Lines[key] == nil {
			script.Lines[key] = map[string]string{}
		}
		for lang, text := range langs {
			script.Lines[key][lang] = text
		}
	}
	if len(override.Slots) > 0 {
		script.Slots = override.Slots
	}
	if len(override.YesNo) > 0 {
		script.YesNo = override.YesNo
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return script, nil
}
