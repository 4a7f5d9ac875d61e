package hiveconfig

import (
	"fmt"

	"github.com/hiveorch/hive/internal/hiveerr"
)

// Validate enforces the fatal-at-load rules from spec §4.1: service
// name pattern, rollout-required-iff-proxy-or-health, blue-green ports
// carrying both colors. Cross-source rules (route/expose uniqueness,
// dependency cycles) are enforced by Registry once multiple sources
// are loaded together; see registry.go.
func Validate(r *Resolved) error {
	for name, svc := range r.Services {
		if !ValidName(name) {
			return hiveerr.SchemaViolation("service.name", fmt.Sprintf("%q does not match [a-z][a-z0-9_-]*", name))
		}

		needsRollout := len(svc.Proxies) > 0 || len(svc.Health) > 0
		if needsRollout && svc.Rollout == nil {
			return hiveerr.SchemaViolation("service.rollout",
				fmt.Sprintf("%s: rollout is required when proxy or healthcheck is configured", name))
		}

		if svc.Rollout != nil {
			for _, p := range svc.Rollout.Ports {
				if svc.Rollout.Strategy == RolloutBlueGreen {
					if p.Blue == 0 || p.Green == 0 {
						return hiveerr.SchemaViolation("rollout.ports",
							fmt.Sprintf("%s: blue-green port %q requires both blue and green", name, p.Name))
					}
				} else if p.Blue == 0 {
					// port 0 is never a valid binding (spec §6).
					return hiveerr.SchemaViolation("rollout.ports",
						fmt.Sprintf("%s: port %q must be non-zero", name, p.Name))
				}
			}
		}

		for i, h := range svc.Health {
			if h.Kind == "cmd" || h.Port != "" {
				continue
			}
			// healthcheck.port is required; it may be omitted only when
			// the rollout declares exactly one port, which then becomes
			// the default.
			if svc.Rollout != nil && len(svc.Rollout.Ports) == 1 {
				svc.Health[i].Port = svc.Rollout.Ports[0].Name
				continue
			}
			return hiveerr.SchemaViolation("healthcheck.port",
				fmt.Sprintf("%s: port is required unless the rollout declares exactly one port", name))
		}

		for _, p := range svc.Proxies {
			if len(p.Path) == 0 || p.Path[0] != '/' {
				return hiveerr.SchemaViolation("proxy.path", fmt.Sprintf("%s: path must begin with /", name))
			}
		}
	}
	return nil
}
