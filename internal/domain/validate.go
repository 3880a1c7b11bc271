package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)*[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// MaxNameLength bounds project names so derived container names stay valid.
const MaxNameLength = 63

// ValidateName checks a project name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name is required")
	case len(name) > MaxNameLength:
		return fmt.Errorf("name must be at most %d characters", MaxNameLength)
	case !namePattern.MatchString(name):
		return fmt.Errorf("name may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// NormalizeDomain lowercases and trims a domain.
func NormalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ValidateDomain checks an already normalized domain.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	if len(domain) > 253 || !domainPattern.MatchString(domain) {
		return fmt.Errorf("domain %q is not a valid hostname", domain)
	}
	return nil
}

// ValidateRepoURL requires an http(s) URL ending in .git.
func ValidateRepoURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("repository url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("repository url is invalid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("repository url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("repository url must include a host")
	}
	if !strings.HasSuffix(u.Path, ".git") {
		return fmt.Errorf("repository url must end with .git")
	}
	return nil
}

// ValidateBranch rejects branch names git would refuse or a shell could misread.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	if !branchPattern.MatchString(branch) || strings.HasPrefix(branch, "-") || strings.Contains(branch, "..") {
		return fmt.Errorf("branch %q is invalid", branch)
	}
	return nil
}

// ValidatePort checks that port is a usable TCP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d must be between 1 and 65535", port)
	}
	return nil
}

// ValidateEnvironment checks environment variable names.
func ValidateEnvironment(env map[string]string) error {
	for key := range env {
		if !envKeyPattern.MatchString(key) {
			return fmt.Errorf("environment variable %q has an invalid name", key)
		}
	}
	return nil
}
