// Package config implements the configuration management as specified in
// section 3 of the design specification. It holds the fully-validated
// parameters the restore pipeline is given; parsing them from flags, env
// vars, or a config file is the CLI's job, not this package's.
package config

import (
	"fmt"
	"strings"
)

// RestoreParams holds all configuration for a restore run, as defined in
// section 3 of the design specification. Values are immutable for the run
// once Validate has succeeded.
type RestoreParams struct {
	FromDir  string // Directory to search for archives
	Pattern  string // Glob pattern over archives, e.g. "*.zip"
	IntoCore string // Target Solr core name
	BaseURL  string // Solr base URL, e.g. "http://localhost:8983/solr"
	Readers  uint   // Number of concurrent reader workers
	Writers  uint   // Number of concurrent writer workers

	// updateURL is derived once by Validate from BaseURL and IntoCore.
	updateURL string
}

// UpdateURL returns the derived Solr update endpoint. Only valid after
// Validate has returned nil.
func (p *RestoreParams) UpdateURL() string {
	return p.updateURL
}

// Validate checks the required fields and computes the derived UpdateURL,
// as specified in section 3 and section 6 of the design specification.
func (p *RestoreParams) Validate() error {
	if p.FromDir == "" {
		return fmt.Errorf("from_dir is required")
	}
	if p.Pattern == "" {
		p.Pattern = "*.zip"
	}
	if p.IntoCore == "" {
		return fmt.Errorf("into_core is required")
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if p.Readers < 1 {
		return fmt.Errorf("readers must be at least 1")
	}
	if p.Writers < 1 {
		return fmt.Errorf("writers must be at least 1")
	}

	base := strings.TrimRight(p.BaseURL, "/")
	p.updateURL = fmt.Sprintf("%s/%s/update", base, p.IntoCore)

	return nil
}
