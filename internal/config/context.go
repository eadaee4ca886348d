package config

import (
	"fmt"
	"sort"
	"strings"
)

// Context is the read-only runtime view of the configuration. It is
// constructed once at startup and passed explicitly to every component;
// nothing mutates it afterwards.
type Context struct {
	Course         string
	BlockDir       string
	CacheDir       string
	MediumDir      string
	ContentServer  string
	VMTree         string
	LockDir        string
	StopTimeoutSec int

	vms      []string
	infraVMs []string
	groups   map[string][]string
}

// NewContext validates a Config and freezes it into a Context.
func NewContext(cfg *Config) (*Context, error) {
	if cfg.Course == "" {
		return nil, fmt.Errorf("config: course must not be empty")
	}
	if cfg.BlockDir == "" {
		return nil, fmt.Errorf("config: block_dir must not be empty")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("config: cache_dir must not be empty")
	}

	ctx := &Context{
		Course:         cfg.Course,
		BlockDir:       cfg.BlockDir,
		CacheDir:       cfg.CacheDir,
		MediumDir:      cfg.MediumDir,
		ContentServer:  cfg.ContentServer,
		VMTree:         cfg.VMTree,
		LockDir:        cfg.LockDir,
		StopTimeoutSec: cfg.StopTimeoutSec,
		vms:            append([]string(nil), cfg.VMs...),
		infraVMs:       append([]string(nil), cfg.InfraVMs...),
		groups:         make(map[string][]string, len(cfg.Groups)),
	}
	for name, members := range cfg.Groups {
		for _, m := range members {
			if !contains(ctx.vms, m) && !contains(ctx.infraVMs, m) {
				return nil, fmt.Errorf("config: group %q references unknown VM %q", name, m)
			}
		}
		ctx.groups[name] = append([]string(nil), members...)
	}
	return ctx, nil
}

// VMs returns the course VM names.
func (c *Context) VMs() []string {
	return append([]string(nil), c.vms...)
}

// InfraVMs returns the infrastructure VM names.
func (c *Context) InfraVMs() []string {
	return append([]string(nil), c.infraVMs...)
}

// IsInfraVM reports whether name is an infrastructure VM. Infrastructure
// master images and definitions are never deleted by remove or fullreset.
func (c *Context) IsInfraVM(name string) bool {
	return contains(c.infraVMs, name)
}

// Groups returns the configured group names, sorted.
func (c *Context) Groups() []string {
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpandVMs expands a command-line VM selector into concrete VM names.
// "all" selects every course VM, "everything" additionally selects the
// infrastructure VMs, a group name selects its members, and anything
// else must be a space-separated list of known VM names.
func (c *Context) ExpandVMs(selector string) ([]string, error) {
	switch selector {
	case "all":
		return c.VMs(), nil
	case "everything":
		return append(c.InfraVMs(), c.vms...), nil
	}
	if members, ok := c.groups[selector]; ok {
		return append([]string(nil), members...), nil
	}
	var vms []string
	for _, name := range strings.Fields(selector) {
		if !contains(c.vms, name) && !contains(c.infraVMs, name) {
			return nil, fmt.Errorf("unrecognized VM name %q", name)
		}
		vms = append(vms, name)
	}
	if len(vms) == 0 {
		return nil, fmt.Errorf("no VM selected by %q", selector)
	}
	return vms, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
