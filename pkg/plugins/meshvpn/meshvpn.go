// Package meshvpn implements the mesh-VPN plugin over the tailscaled local API.
//
// State document:
//
//	{"backend_state": "Running", "want_running": true, "hostname": "box",
//	 "exit_node": "", "advertise_routes": ["10.0.0.0/24"], "accept_routes": false,
//	 "accept_dns": true, "shields_up": false, "tailscale_ips": ["100.64.0.1"],
//	 "dns_name": "box.tailnet.ts.net.", "peers": 3}
//
// backend_state, tailscale_ips, dns_name and peers are read-only.
package meshvpn

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/rs/zerolog"
	"tailscale.com/client/local"
	"tailscale.com/ipn"
	"tailscale.com/ipn/ipnstate"

	"github.com/openfroyo/hostkeeper/pkg/engine"
	"github.com/openfroyo/hostkeeper/pkg/plugins"
)

// PluginName is the registry name of the mesh-VPN plugin.
const PluginName = "meshvpn"

// Client is the subset of the tailscaled local API the plugin uses.
// *local.Client satisfies it.
type Client interface {
	Status(ctx context.Context) (*ipnstate.Status, error)
	GetPrefs(ctx context.Context) (*ipn.Prefs, error)
	EditPrefs(ctx context.Context, mp *ipn.MaskedPrefs) (*ipn.Prefs, error)
}

var _ Client = (*local.Client)(nil)

// NewLocalClient returns a local API client. An empty socket uses the
// platform default.
func NewLocalClient(socket string) *local.Client {
	return &local.Client{Socket: socket, UseSocketOnly: socket != ""}
}

var writable = []string{
	"want_running", "hostname", "exit_node", "advertise_routes",
	"accept_routes", "accept_dns", "shields_up",
}

// Plugin is the mesh-VPN state plugin.
type Plugin struct {
	*plugins.Base
	client Client
	logger zerolog.Logger
}

// New creates the mesh-VPN plugin.
func New(client Client, logger zerolog.Logger) *Plugin {
	return &Plugin{
		Base:   plugins.NewBase(PluginName, "1.0.0", "Tailscale mesh VPN membership and preferences", nil, schema()),
		client: client,
		logger: logger.With().Str("component", "plugin.meshvpn").Logger(),
	}
}

func schema() engine.Document {
	return plugins.ObjectSchema(engine.Document{
		"want_running":     plugins.TypeSchema("boolean"),
		"hostname":         plugins.TypeSchema("string"),
		"exit_node":        plugins.TypeSchema("string", "description", "exit node IP, empty to clear"),
		"advertise_routes": plugins.TypeSchema("array", "items", engine.Document{"type": "string"}),
		"accept_routes":    plugins.TypeSchema("boolean"),
		"accept_dns":       plugins.TypeSchema("boolean"),
		"shields_up":       plugins.TypeSchema("boolean"),
	})
}

// Probe checks tailscaled answers.
func (p *Plugin) Probe(ctx context.Context) error {
	_, err := p.client.GetPrefs(ctx)
	return err
}

// Query reads status and preferences.
func (p *Plugin) Query(ctx context.Context) (engine.Document, error) {
	prefs, err := p.client.GetPrefs(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to read tailscale prefs", err)
	}
	st, err := p.client.Status(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to read tailscale status", err)
	}

	doc := prefsDocument(prefs)
	doc["backend_state"] = st.BackendState
	doc["peers"] = len(st.Peer)
	doc["tailscale_ips"] = addrStrings(st.TailscaleIPs)
	doc["dns_name"] = ""
	if st.Self != nil {
		doc["dns_name"] = st.Self.DNSName
	}
	return doc, nil
}

func prefsDocument(prefs *ipn.Prefs) engine.Document {
	exitNode := ""
	if prefs.ExitNodeIP.IsValid() {
		exitNode = prefs.ExitNodeIP.String()
	}
	routes := make([]string, 0, len(prefs.AdvertiseRoutes))
	for _, r := range prefs.AdvertiseRoutes {
		routes = append(routes, r.String())
	}
	sort.Strings(routes)

	return engine.Document{
		"want_running":     prefs.WantRunning,
		"hostname":         prefs.Hostname,
		"exit_node":        exitNode,
		"advertise_routes": toAny(routes),
		"accept_routes":    prefs.RouteAll,
		"accept_dns":       prefs.CorpDNS,
		"shields_up":       prefs.ShieldsUp,
	}
}

func addrStrings(addrs []netip.Addr) []any {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return toAny(out)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Diff compares desired preferences against tailscaled.
func (p *Plugin) Diff(ctx context.Context, desired engine.Document) (*engine.Diff, error) {
	normalized, err := validate(desired)
	if err != nil {
		return nil, err
	}
	prefs, err := p.client.GetPrefs(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to read tailscale prefs", err)
	}
	return engine.ComputeDiff(prefsDocument(prefs), normalized), nil
}

// Apply sends every changed preference in one EditPrefs call, so the fields
// succeed or fail together.
func (p *Plugin) Apply(ctx context.Context, desired engine.Document) (*engine.ApplyResult, error) {
	normalized, err := validate(desired)
	if err != nil {
		return nil, err
	}
	prefs, err := p.client.GetPrefs(ctx)
	if err != nil {
		return nil, engine.NewUnreachableError("failed to read tailscale prefs", err)
	}

	diff := engine.ComputeDiff(prefsDocument(prefs), normalized)
	fields := diff.TopLevelFields()
	if len(fields) == 0 {
		return engine.Success(), nil
	}

	mp := maskedPrefs(normalized, fields)
	if _, err := p.client.EditPrefs(ctx, mp); err != nil {
		p.logger.Warn().Err(err).Strs("fields", fields).Msg("EditPrefs failed")
		var outcome engine.FieldOutcome
		for _, f := range fields {
			outcome.Failed(f, err)
		}
		return outcome.Result(), nil
	}

	p.logger.Info().Strs("fields", fields).Msg("Tailscale prefs updated")
	return engine.Success(fields...), nil
}

func maskedPrefs(desired engine.Document, fields []string) *ipn.MaskedPrefs {
	mp := &ipn.MaskedPrefs{}
	for _, f := range fields {
		switch f {
		case "want_running":
			mp.WantRunning, _ = desired.Bool(f)
			mp.WantRunningSet = true
		case "hostname":
			mp.Hostname, _ = desired.String(f)
			mp.HostnameSet = true
		case "exit_node":
			s, _ := desired.String(f)
			if s != "" {
				mp.ExitNodeIP = netip.MustParseAddr(s)
			}
			mp.ExitNodeIPSet = true
			mp.ExitNodeIDSet = true
		case "advertise_routes":
			routes, _ := desired[f].([]any)
			for _, r := range routes {
				mp.AdvertiseRoutes = append(mp.AdvertiseRoutes, netip.MustParsePrefix(r.(string)))
			}
			mp.AdvertiseRoutesSet = true
		case "accept_routes":
			mp.RouteAll, _ = desired.Bool(f)
			mp.RouteAllSet = true
		case "accept_dns":
			mp.CorpDNS, _ = desired.Bool(f)
			mp.CorpDNSSet = true
		case "shields_up":
			mp.ShieldsUp, _ = desired.Bool(f)
			mp.ShieldsUpSet = true
		}
	}
	return mp
}

// validate checks field types and returns a copy with routes in canonical,
// sorted form.
func validate(desired engine.Document) (engine.Document, error) {
	if err := engine.ValidateFields(PluginName, desired, writable...); err != nil {
		return nil, err
	}
	out := desired.Clone()
	for _, k := range desired.Keys() {
		v := desired[k]
		switch k {
		case "want_running", "accept_routes", "accept_dns", "shields_up":
			if _, ok := v.(bool); !ok {
				return nil, invalid("%s must be a boolean", k)
			}
		case "hostname":
			if _, ok := v.(string); !ok {
				return nil, invalid("hostname must be a string")
			}
		case "exit_node":
			s, ok := v.(string)
			if !ok {
				return nil, invalid("exit_node must be a string")
			}
			if s != "" {
				addr, err := netip.ParseAddr(s)
				if err != nil {
					return nil, invalid("exit_node %q is not an IP address", s)
				}
				out[k] = addr.String()
			}
		case "advertise_routes":
			list, ok := v.([]any)
			if !ok {
				return nil, invalid("advertise_routes must be a list of prefixes")
			}
			routes := make([]string, 0, len(list))
			for _, r := range list {
				s, _ := r.(string)
				prefix, err := netip.ParsePrefix(s)
				if err != nil {
					return nil, invalid("advertise_routes: %v is not a prefix", r)
				}
				routes = append(routes, prefix.Masked().String())
			}
			sort.Strings(routes)
			out[k] = toAny(routes)
		}
	}
	return out, nil
}

func invalid(format string, args ...any) error {
	return engine.NewInvalidStateError(fmt.Sprintf(format, args...)).WithResource(PluginName)
}
