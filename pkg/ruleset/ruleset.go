// Package ruleset loads per-domain rewrite rules from YAML files.
package ruleset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andesco/sieve/pkg/rewrite"
)

// Proxy routes an attribute of the matched elements through the proxy.
type Proxy struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr"`
}

// Rule adds selectors on top of the default rewrite rules for some domains.
type Rule struct {
	Domain  string   `yaml:"domain,omitempty"`
	Domains []string `yaml:"domains,omitempty"`
	Paths   []string `yaml:"paths,omitempty"`
	Remove  []string `yaml:"remove,omitempty"`
	Proxy   []Proxy  `yaml:"proxy,omitempty"`
}

type RuleSet []Rule

// Load reads every .yml/.yaml file under the ';'-separated list of paths.
// An empty list yields an empty RuleSet.
func Load(rulePaths string) (RuleSet, error) {
	var ruleSet RuleSet
	var errs []error

	for _, rulePath := range strings.Split(rulePaths, ";") {
		trimmedPath := strings.TrimSpace(rulePath)
		if trimmedPath == "" {
			continue
		}

		var rules RuleSet
		err := filepath.WalkDir(trimmedPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}
			r, err := loadFile(path)
			if err != nil {
				return err
			}
			rules = append(rules, r...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load rules from '%s': %w", trimmedPath, err))
			continue
		}
		ruleSet = append(ruleSet, rules...)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ruleSet, nil
}

func loadFile(path string) (RuleSet, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file '%s': %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(yamlFile, &rs); err != nil {
		return nil, fmt.Errorf("syntax error in rules file '%s': %w", path, err)
	}
	for i, r := range rs {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rule %d in '%s': %w", i, path, err)
		}
	}
	return rs, nil
}

func (r Rule) validate() error {
	if r.Domain == "" && len(r.Domains) == 0 {
		return errors.New("no domain")
	}
	for _, p := range r.Proxy {
		if p.Selector == "" || p.Attr == "" {
			return fmt.Errorf("proxy entry needs selector and attr: %+v", p)
		}
	}
	return nil
}

// Match returns the index of the first rule covering host and path.
// A rule domain covers itself and its subdomains; rule paths match by prefix.
func (rs RuleSet) Match(host, path string) (int, bool) {
	for i, rule := range rs {
		for _, domain := range rule.AllDomains() {
			if domain != host && !strings.HasSuffix(host, "."+domain) {
				continue
			}
			if len(rule.Paths) > 0 && !hasPrefix(path, rule.Paths) {
				continue
			}
			return i, true
		}
	}
	return -1, false
}

// Register adds the rule's selectors to rw after its existing rules.
func (r Rule) Register(rw *rewrite.Rewriter, proxyBase string) error {
	for _, sel := range r.Remove {
		if err := rw.On(sel, rewrite.Remove); err != nil {
			return err
		}
	}
	for _, p := range r.Proxy {
		if err := rw.On(p.Selector, rewrite.ProxyAttr(proxyBase, p.Attr)); err != nil {
			return err
		}
	}
	return nil
}

// AllDomains merges Domain and Domains.
func (r Rule) AllDomains() []string {
	if r.Domain == "" {
		return r.Domains
	}
	return append([]string{r.Domain}, r.Domains...)
}

func (rs RuleSet) Domains() []string {
	var domains []string
	for _, rule := range rs {
		domains = append(domains, rule.AllDomains()...)
	}
	return domains
}

func (rs RuleSet) DomainCount() int {
	return len(rs.Domains())
}

func (rs RuleSet) Count() int {
	return len(rs)
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
