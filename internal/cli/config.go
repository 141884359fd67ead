package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a saved connection profile, loaded from a YAML file so
// credentials stay out of shell history.
//
//	url: https://couchdb.example.org:5984
//	project: demo-notebook
//	user: exporter
//	token: s3cret
//	timezone: Australia/Sydney
type Profile struct {
	URL      string `yaml:"url"`
	Project  string `yaml:"project"`
	User     string `yaml:"user"`
	Token    string `yaml:"token"`
	Bearer   string `yaml:"bearer"`
	Timezone string `yaml:"timezone"`
}

// LoadProfile reads a connection profile. Unknown keys are rejected so a
// typo'd field name fails loudly instead of silently exporting anonymously.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var profile Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &profile, nil
}

// merge overlays non-empty flag values onto the profile. Flags win.
func (p *Profile) merge(url, project, user, token, bearer, timezone string) {
	if url != "" {
		p.URL = url
	}
	if project != "" {
		p.Project = project
	}
	if user != "" {
		p.User = user
	}
	if token != "" {
		p.Token = token
	}
	if bearer != "" {
		p.Bearer = bearer
	}
	if timezone != "" {
		p.Timezone = timezone
	}
}
